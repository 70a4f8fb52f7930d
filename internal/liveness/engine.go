// Package liveness decides whether the agent is actually processing work.
// The engine emits heartbeat control items through the queue and interprets
// their acknowledgements. It is a state machine over four health states;
// every side effect (queue, files, session kill, channel notify) is an
// injected dependency, so the machine itself stays testable.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/events"
	"github.com/okvist/vigil/internal/queue"
	"github.com/okvist/vigil/internal/status"
)

// Queue is the slice of the store the engine needs.
type Queue interface {
	InsertControl(queue.ControlInsert) (*queue.Control, error)
	GetControl(id int64) (*queue.Control, error)
}

// Deps are the engine's injected side effects.
type Deps struct {
	Queue          Queue
	Files          status.Files
	KillSession    func(context.Context) error // agent session teardown; monitor respawns it
	NotifyChannels func(context.Context)       // drain channels queued while unhealthy
	Bus            *events.Bus
	Now            func() time.Time
}

// Engine drives the heartbeat state machine. Not safe for concurrent use;
// the activity monitor calls it from its single tick loop.
type Engine struct {
	cfg  config.LivenessConfig
	deps Deps

	health         *status.HealthState
	stuckRequested bool
}

// New loads persisted health state (or starts at ok) and returns an engine.
func New(cfg config.LivenessConfig, deps Deps) (*Engine, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	hs, err := deps.Files.Health()
	if err != nil {
		return nil, fmt.Errorf("liveness: load health state: %w", err)
	}
	if hs == nil {
		hs = &status.HealthState{State: status.HealthOK}
	}
	return &Engine{cfg: cfg, deps: deps, health: hs}, nil
}

// State returns the current health state.
func (e *Engine) State() string { return e.health.State }

// RequestStuckCheck asks for an immediate out-of-band heartbeat. Accepted
// only in ok with no heartbeat in flight; anything else would race the
// regular ladder.
func (e *Engine) RequestStuckCheck() bool {
	if e.health.State != status.HealthOK {
		return false
	}
	pending, err := e.deps.Files.PendingHeartbeat()
	if err != nil || pending != nil {
		return false
	}
	e.stuckRequested = true
	return true
}

// MarkRateLimited records an externally detected provider rate limit.
// Only ok and recovering move; down stays down and rate_limited is already
// there.
func (e *Engine) MarkRateLimited(ctx context.Context) {
	if e.health.State != status.HealthOK && e.health.State != status.HealthRecovering {
		return
	}
	now := e.deps.Now()
	prev := e.health.State
	e.health.State = status.HealthRateLimited
	e.health.LastProbeAt = now
	e.persist(now)
	e.publishTransition(prev, status.HealthRateLimited, "rate limit detected")
	slog.Info("liveness: rate limited", "previous", prev)
}

// Process runs one engine tick. agentRunning reports whether the agent
// session and process are up; new probes are only enqueued into a running
// agent, but an in-flight heartbeat is always polled so a dead agent still
// times out and climbs the recovery ladder.
func (e *Engine) Process(ctx context.Context, agentRunning bool) error {
	now := e.deps.Now()

	pending, err := e.deps.Files.PendingHeartbeat()
	if err != nil {
		return fmt.Errorf("liveness: read pending: %w", err)
	}
	if pending != nil {
		return e.resolvePending(ctx, pending, now)
	}

	if !agentRunning {
		return nil
	}

	switch e.health.State {
	case status.HealthOK:
		if e.stuckRequested {
			e.stuckRequested = false
			return e.enqueueHeartbeat(ctx, status.PhaseStuck, now)
		}
		if e.health.LastHeartbeatAt.IsZero() || now.Sub(e.health.LastHeartbeatAt) >= e.cfg.HeartbeatInterval.Duration() {
			return e.enqueueHeartbeat(ctx, status.PhasePrimary, now)
		}
	case status.HealthRecovering:
		backoff := restartBackoff(e.health.RestartFailures)
		if now.Sub(e.health.LastRestartAt) >= backoff {
			return e.enqueueHeartbeat(ctx, status.PhaseRecovery, now)
		}
	case status.HealthRateLimited:
		if now.Sub(e.health.LastProbeAt) >= e.cfg.RateLimitedProbe.Duration() {
			return e.enqueueHeartbeat(ctx, status.PhaseRateLimitCheck, now)
		}
	case status.HealthDown:
		if now.Sub(e.health.LastProbeAt) >= e.cfg.DownRetry.Duration() {
			return e.enqueueHeartbeat(ctx, status.PhaseDownCheck, now)
		}
	}
	return nil
}

// restartBackoff spaces recovery attempts: one minute per accumulated
// failure, capped at five minutes.
func restartBackoff(failures int) time.Duration {
	d := time.Duration(failures) * time.Minute
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (e *Engine) resolvePending(ctx context.Context, pending *status.PendingHeartbeat, now time.Time) error {
	ctrl, err := e.deps.Queue.GetControl(pending.ControlID)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		// Row vanished (cleanup or manual surgery): counts as a failure.
		slog.Warn("liveness: pending heartbeat row missing", "control_id", pending.ControlID)
		return e.onFailure(ctx, pending, now, "control item not found")
	case err != nil:
		// Transient store error: keep waiting, the ceiling still applies.
		slog.Warn("liveness: heartbeat status poll failed", "control_id", pending.ControlID, "error", err)
		return nil
	}

	switch ctrl.Status {
	case queue.ControlDone:
		return e.onSuccess(ctx, pending, now)
	case queue.ControlFailed, queue.ControlTimeout:
		return e.onFailure(ctx, pending, now, string(ctrl.Status))
	default:
		if now.Sub(pending.CreatedAt) >= e.cfg.MaxPendingAge.Duration() {
			return e.onFailure(ctx, pending, now, "pending past absolute ceiling")
		}
		return nil
	}
}

func (e *Engine) onSuccess(ctx context.Context, pending *status.PendingHeartbeat, now time.Time) error {
	if err := e.deps.Files.ClearPendingHeartbeat(); err != nil {
		return err
	}
	e.publish(events.EventHeartbeatAcked, map[string]any{
		"control_id": pending.ControlID,
		"phase":      string(pending.Phase),
	})
	slog.Info("liveness: heartbeat acked", "control_id", pending.ControlID, "phase", pending.Phase)

	prev := e.health.State
	e.health.LastOKAt = now
	if prev != status.HealthOK {
		e.health.State = status.HealthOK
		e.health.RestartFailures = 0
		e.persist(now)
		e.publishTransition(prev, status.HealthOK, "heartbeat acked")
		if e.deps.NotifyChannels != nil {
			e.deps.NotifyChannels(ctx)
		}
		return nil
	}
	e.persist(now)
	return nil
}

func (e *Engine) onFailure(ctx context.Context, pending *status.PendingHeartbeat, now time.Time, reason string) error {
	if err := e.deps.Files.ClearPendingHeartbeat(); err != nil {
		return err
	}
	slog.Warn("liveness: heartbeat failed",
		"control_id", pending.ControlID, "phase", pending.Phase, "reason", reason)
	e.publish(events.EventControlTimeout, map[string]any{
		"control_id": pending.ControlID,
		"phase":      string(pending.Phase),
		"reason":     reason,
	})

	switch e.health.State {
	case status.HealthOK, status.HealthRecovering:
		e.triggerRecovery(ctx, now, reason)
	default:
		// down and rate_limited stay put; their cadence retries the probe.
		e.persist(now)
	}
	return nil
}

// triggerRecovery climbs the ladder: kill the session so the monitor
// respawns it, and after MaxRestartFailures consecutive failures give up
// and go down.
func (e *Engine) triggerRecovery(ctx context.Context, now time.Time, reason string) {
	prev := e.health.State
	e.health.State = status.HealthRecovering
	e.health.RestartFailures++
	e.health.LastRestartAt = now

	if e.deps.KillSession != nil {
		if err := e.deps.KillSession(ctx); err != nil {
			slog.Error("liveness: kill session", "error", err)
		}
	}

	if e.health.RestartFailures >= e.cfg.MaxRestartFailures {
		e.health.State = status.HealthDown
		e.health.LastProbeAt = now
	}
	e.persist(now)

	if e.health.State != prev {
		e.publishTransition(prev, e.health.State, reason)
	}
	slog.Warn("liveness: recovery triggered",
		"failures", e.health.RestartFailures, "state", e.health.State, "reason", reason)
}

func (e *Engine) enqueueHeartbeat(ctx context.Context, phase status.HeartbeatPhase, now time.Time) error {
	ctrl, err := e.deps.Queue.InsertControl(queue.ControlInsert{
		Content:     heartbeatContent(phase),
		Priority:    0,
		BypassState: true,
		AckDeadline: now.Add(e.cfg.AckDeadline.Duration()),
	})
	if err != nil {
		return fmt.Errorf("liveness: enqueue heartbeat: %w", err)
	}
	if err := e.deps.Files.WritePendingHeartbeat(&status.PendingHeartbeat{
		ControlID: ctrl.ID,
		Phase:     phase,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("liveness: write pending: %w", err)
	}
	e.health.LastHeartbeatAt = now
	e.health.LastProbeAt = now
	e.persist(now)

	e.publish(events.EventHeartbeatSent, map[string]any{
		"control_id": ctrl.ID,
		"phase":      string(phase),
	})
	slog.Info("liveness: heartbeat sent", "control_id", ctrl.ID, "phase", phase)
	return nil
}

func heartbeatContent(phase status.HeartbeatPhase) string {
	const ack = "acknowledge by running: vigil control ack --id " + queue.ControlIDToken
	switch phase {
	case status.PhaseRecovery:
		return "Recovery check after a session restart. If you can read this, " + ack
	case status.PhaseDownCheck:
		return "Periodic reachability probe. If you can read this, " + ack
	case status.PhaseRateLimitCheck:
		return "Rate-limit probe. If you can process this message the limit has lifted; " + ack
	case status.PhaseStuck:
		return "You appear to be stuck on the current task. Pause, " + ack + ", then reassess what you were doing."
	default:
		return "Automated health check. Please " + ack
	}
}

func (e *Engine) persist(now time.Time) {
	e.health.UpdatedAt = now
	if err := e.deps.Files.WriteHealth(e.health); err != nil {
		slog.Error("liveness: persist health state", "error", err)
	}
}

func (e *Engine) publish(t events.EventType, payload map[string]any) {
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(events.NewEvent(t, events.SourceLiveness, payload))
	}
}

func (e *Engine) publishTransition(from, to, reason string) {
	e.publish(events.EventHealthChanged, map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
}
