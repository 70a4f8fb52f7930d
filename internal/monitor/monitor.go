// Package monitor implements the outer supervision loop: it watches the
// agent's terminal session once a second, classifies its activity,
// respawns it when it dies, drives the liveness engine, and fires
// scheduled maintenance.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/events"
	"github.com/okvist/vigil/internal/queue"
	"github.com/okvist/vigil/internal/status"
	"github.com/okvist/vigil/internal/term"
)

// Session is the slice of the terminal adapter the monitor needs.
type Session interface {
	HasSession(ctx context.Context) (bool, error)
	NewSession(ctx context.Context, workdir, command string) error
	KillSession(ctx context.Context) error
	PanePID(ctx context.Context) (int, error)
	SessionActivity(ctx context.Context) (time.Time, error)
}

// Queue is the slice of the store the monitor enqueues into.
type Queue interface {
	InsertControl(queue.ControlInsert) (*queue.Control, error)
}

// Liveness is the slice of the liveness engine the monitor drives.
type Liveness interface {
	Process(ctx context.Context, agentRunning bool) error
	MarkRateLimited(ctx context.Context)
	State() string
}

// Deps are the monitor's collaborators.
type Deps struct {
	Session Session
	Queue   Queue
	Engine  Liveness
	Files   status.Files
	Bus     *events.Bus
	Log     *events.FileLog // optional
	Now     func() time.Time
}

// Monitor is the outer supervision loop.
type Monitor struct {
	cfg   config.MonitorConfig
	agent config.AgentConfig
	deps  Deps

	sleep      func(context.Context, time.Duration)
	probe      func(ctx context.Context, panePID int) (bool, error)
	activity   func() (time.Time, bool)
	runCommand func(ctx context.Context, argv []string) error
	loc        *time.Location
	tasks      []*task

	state       string
	since       time.Time
	absentSince time.Time
}

// New builds a Monitor. Task specs are validated and cron expressions
// compiled up front, so a bad config fails at startup rather than at 03:00.
func New(cfg config.MonitorConfig, agent config.AgentConfig, deps Deps) (*Monitor, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	loc := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, err
		}
	}
	tasks, err := compileTasks(cfg.DailyTasks)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:        cfg,
		agent:      agent,
		deps:       deps,
		sleep:      sleepCtx,
		runCommand: runCommand,
		loc:        loc,
		tasks:      tasks,
	}
	m.probe = func(ctx context.Context, panePID int) (bool, error) {
		return agentProcessRunning(ctx, panePID, agent.Binary)
	}
	m.activity = func() (time.Time, bool) {
		return latestConversationActivity(agent.ConversationGlob)
	}
	return m, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Run executes the monitor loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("monitor: loop started",
		"session", m.agent.Session, "tick", m.cfg.TickInterval.Duration())
	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor: shutting down")
			return nil
		default:
		}
		m.tick(ctx)
		m.sleep(ctx, m.cfg.TickInterval.Duration())
	}
}

func (m *Monitor) tick(ctx context.Context) {
	now := m.deps.Now()

	if m.deps.Log != nil {
		if err := m.deps.Log.TruncateIfNewDay(now.In(m.loc)); err != nil {
			slog.Warn("monitor: truncate activity log", "error", err)
		}
	}

	state := m.observe(ctx, now)
	m.setState(state, now)
	m.writeStatus(now)

	agentRunning := state == status.AgentBusy || state == status.AgentIdle
	if agentRunning {
		m.absentSince = time.Time{}
	} else {
		m.maybeRespawn(ctx, state, now)
	}

	m.detectRateLimit(ctx, now)

	if err := m.deps.Engine.Process(ctx, agentRunning); err != nil {
		slog.Error("monitor: liveness", "error", err)
	}

	if agentRunning && m.deps.Engine.State() == status.HealthOK {
		m.runTasks(ctx, now)
		m.contextCheck(now)
		m.healthReport(now)
	}
}

// observe classifies the agent session right now.
func (m *Monitor) observe(ctx context.Context, now time.Time) string {
	up, err := m.deps.Session.HasSession(ctx)
	if err != nil {
		slog.Warn("monitor: session check", "error", err)
		return status.AgentOffline
	}
	if !up {
		return status.AgentOffline
	}

	pid, err := m.deps.Session.PanePID(ctx)
	if err != nil {
		if errors.Is(err, term.ErrNoSession) {
			return status.AgentOffline
		}
		slog.Warn("monitor: pane pid", "error", err)
		return status.AgentStopped
	}
	running, err := m.probe(ctx, pid)
	if err != nil {
		// Can't inspect the tree; assume the agent is alive rather than
		// respawn on a transient probe error.
		slog.Debug("monitor: process probe", "error", err)
		running = true
	}
	if !running {
		return status.AgentStopped
	}

	last, ok := m.activity()
	if !ok {
		if sa, err := m.deps.Session.SessionActivity(ctx); err == nil {
			last, ok = sa, true
		}
	}
	if !ok {
		last = now
	}
	if now.Sub(last) < m.cfg.IdleThreshold.Duration() {
		return status.AgentBusy
	}
	return status.AgentIdle
}

func (m *Monitor) setState(state string, now time.Time) {
	if state == m.state {
		return
	}
	slog.Info("monitor: agent state changed", "from", m.state, "to", state)
	m.publish(events.EventAgentState, map[string]any{"from": m.state, "to": state})
	m.state = state
	m.since = now
}

func (m *Monitor) writeStatus(now time.Time) {
	st := &status.AgentStatus{
		State:     m.state,
		Since:     m.since,
		UpdatedAt: now,
		Session:   m.agent.Session,
	}
	if err := m.deps.Files.WriteAgentStatus(st); err != nil {
		slog.Error("monitor: write status", "error", err)
	}
}

// maybeRespawn starts a fresh agent session once the agent has been absent
// for RestartDelay. A stopped session is killed first so the new one can
// take the name.
func (m *Monitor) maybeRespawn(ctx context.Context, state string, now time.Time) {
	if m.absentSince.IsZero() {
		m.absentSince = now
		return
	}
	if now.Sub(m.absentSince) < m.cfg.RestartDelay.Duration() {
		return
	}

	if state == status.AgentStopped {
		if err := m.deps.Session.KillSession(ctx); err != nil {
			slog.Warn("monitor: kill stale session", "error", err)
		}
	}
	command := m.agent.Binary
	if len(m.agent.Args) > 0 {
		command += " " + strings.Join(m.agent.Args, " ")
	}
	if err := m.deps.Session.NewSession(ctx, m.agent.WorkDir, command); err != nil {
		slog.Error("monitor: respawn failed", "error", err)
		return
	}
	slog.Info("monitor: agent session respawned", "session", m.agent.Session, "was", state)
	m.publish(events.EventAgentRespawn, map[string]any{"was": state})
	m.absentSince = time.Time{}
}

// detectRateLimit reads the hook-written API activity file. The agent is
// considered rate limited when the most recent API event was a rate limit
// and it happened inside the freshness window.
func (m *Monitor) detectRateLimit(ctx context.Context, now time.Time) {
	aa, err := m.deps.Files.APIActivity()
	if err != nil {
		slog.Warn("monitor: read api activity", "error", err)
		return
	}
	if aa == nil || aa.LastRateLimitAt.IsZero() {
		return
	}
	if !aa.LastRateLimitAt.After(aa.LastRequestAt) {
		return // a request succeeded after the limit was hit
	}
	if now.Sub(aa.LastRateLimitAt) > m.cfg.RateLimitMaxAge.Duration() {
		return
	}
	m.deps.Engine.MarkRateLimited(ctx)
}

func (m *Monitor) publish(t events.EventType, payload map[string]any) {
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(events.NewEvent(t, events.SourceMonitor, payload))
	}
}
