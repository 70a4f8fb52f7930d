package monitor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/okvist/vigil/internal/events"
	"github.com/okvist/vigil/internal/heartbeat"
	"github.com/okvist/vigil/internal/queue"
	"github.com/okvist/vigil/internal/status"
)

// contextCheck runs the hourly context-usage probe. The check enqueues a
// control asking the agent to report its usage (the agent records it with
// `vigil context report`); a follow-up fires after ContextFollowupDelay
// and requests a handoff when the reported usage crosses the threshold.
func (m *Monitor) contextCheck(now time.Time) {
	cs, err := m.deps.Files.ContextState()
	if err != nil {
		slog.Warn("monitor: read context state", "error", err)
		return
	}
	if cs == nil {
		cs = &status.ContextState{}
	}

	if !cs.FollowupAt.IsZero() {
		if now.Before(cs.FollowupAt) {
			return
		}
		if cs.UsagePct >= m.cfg.ContextThresholdPct {
			content := fmt.Sprintf("Your context window is %d%% used. Wrap up the current thread: "+
				"write a handoff note covering in-flight work and open questions, then compact or restart your session.",
				cs.UsagePct)
			if _, err := m.deps.Queue.InsertControl(queue.ControlInsert{Content: content, Priority: 1}); err != nil {
				slog.Error("monitor: enqueue handoff", "error", err)
				return
			}
			slog.Info("monitor: context handoff requested", "usage_pct", cs.UsagePct)
			m.publish(events.EventTaskTriggered, map[string]any{"task": "context-handoff", "usage_pct": cs.UsagePct})
		}
		cs.FollowupAt = time.Time{}
		if err := m.deps.Files.WriteContextState(cs); err != nil {
			slog.Error("monitor: persist context state", "error", err)
		}
		return
	}

	if now.Sub(cs.LastCheckAt) < m.cfg.ContextCheckInterval.Duration() {
		return
	}
	content := "Context check: estimate what percentage of your context window is in use " +
		"and record it by running: vigil context report --percent <value>"
	if _, err := m.deps.Queue.InsertControl(queue.ControlInsert{Content: content, Priority: 1}); err != nil {
		slog.Error("monitor: enqueue context check", "error", err)
		return
	}
	cs.LastCheckAt = now
	cs.FollowupAt = now.Add(m.cfg.ContextFollowupDelay.Duration())
	if err := m.deps.Files.WriteContextState(cs); err != nil {
		slog.Error("monitor: persist context state", "error", err)
	}
}

// healthReport enqueues the six-hourly health summary.
func (m *Monitor) healthReport(now time.Time) {
	hr, err := m.deps.Files.HealthReport()
	if err != nil {
		slog.Warn("monitor: read health report state", "error", err)
		return
	}
	if hr == nil {
		hr = &status.HealthReportState{}
	}
	if now.Sub(hr.LastCheckAt) < m.cfg.HealthCheckInterval.Duration() {
		return
	}

	dispatcher, _, _ := heartbeat.Check(m.deps.Files.DispatcherHeartbeatPath(), 2*time.Minute)
	content := fmt.Sprintf("Periodic health report. Supervisor vitals: health=%s, dispatcher=%s, agent=%s. "+
		"Review the recent activity log and flag anything unusual.",
		m.deps.Engine.State(), dispatcher, m.state)
	if _, err := m.deps.Queue.InsertControl(queue.ControlInsert{Content: content, Priority: 1}); err != nil {
		slog.Error("monitor: enqueue health report", "error", err)
		return
	}
	hr.LastCheckAt = now
	if err := m.deps.Files.WriteHealthReport(hr); err != nil {
		slog.Error("monitor: persist health report state", "error", err)
	}
	m.publish(events.EventTaskTriggered, map[string]any{"task": "health-report"})
}
