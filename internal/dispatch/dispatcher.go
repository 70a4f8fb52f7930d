// Package dispatch implements the single consumer that moves queue items
// into the agent's input surface, one at a time, with strict control
// priority and verified submission.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/events"
	"github.com/okvist/vigil/internal/queue"
	"github.com/okvist/vigil/internal/status"
)

// Terminal is the slice of the terminal adapter the dispatcher needs.
type Terminal interface {
	Send(ctx context.Context, content string) error
	HasSession(ctx context.Context) (bool, error)
}

// Dispatcher consumes the queue. Single-threaded: one loop, one item in
// flight, which is what makes the claim/requeue lifecycle safe.
type Dispatcher struct {
	cfg   config.DispatcherConfig
	store *queue.Store
	term  Terminal
	files status.Files
	bus   *events.Bus

	now   func() time.Time
	sleep func(context.Context, time.Duration)

	poll        time.Duration
	lastCleanup time.Time
}

// New creates a Dispatcher.
func New(cfg config.DispatcherConfig, store *queue.Store, term Terminal, files status.Files, bus *events.Bus) *Dispatcher {
	return &Dispatcher{
		cfg:   cfg,
		store: store,
		term:  term,
		files: files,
		bus:   bus,
		now:   time.Now,
		sleep: sleepCtx,
		poll:  cfg.PollInterval.Duration(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Run executes the dispatch loop until ctx is cancelled. On startup,
// running rows stranded by a previous crash are reset to pending with one
// retry charged.
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.store.ResetStaleRunning(d.cfg.StaleRunningReset.Duration()); err != nil {
		slog.Warn("dispatch: stale running reset failed", "error", err)
	} else if n > 0 {
		slog.Info("dispatch: reset stale running items", "count", n)
	}
	d.lastCleanup = d.now()

	slog.Info("dispatch: loop started", "poll_interval", d.poll)
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatch: shutting down")
			return nil
		default:
		}

		delivered, err := d.tick(ctx)
		if err != nil {
			slog.Error("dispatch: tick failed", "error", err)
		}
		d.adaptPoll(delivered)
		d.sleep(ctx, d.poll)
	}
}

// tick runs one dispatch iteration and reports whether an item was
// delivered.
func (d *Dispatcher) tick(ctx context.Context) (bool, error) {
	now := d.now()

	if now.Sub(d.lastCleanup) >= d.cfg.CleanupInterval.Duration() {
		cutoff := now.Add(-d.cfg.Retention.Duration())
		if n, err := d.store.CleanupControlQueue(cutoff); err != nil {
			slog.Warn("dispatch: cleanup failed", "error", err)
		} else if n > 0 {
			slog.Info("dispatch: cleaned finished controls", "count", n)
		}
		d.lastCleanup = now
	}

	// The deadline sweep runs before selection, so an expired control can
	// never be claimed afterwards.
	if n, err := d.store.ExpireTimedOutControls(now); err != nil {
		return false, fmt.Errorf("expire sweep: %w", err)
	} else if n > 0 {
		slog.Info("dispatch: expired controls past ack deadline", "count", n)
	}

	snap := d.snapshot(now)

	item, err := d.claimNext(now)
	if err != nil || item == nil {
		return false, err
	}
	d.publish(events.EventItemClaimed, item, nil)

	if reason := d.gate(item, snap); reason != "" {
		slog.Debug("dispatch: gated", "kind", item.kind, "id", item.id(), "reason", reason)
		d.publish(events.EventItemRequeued, item, map[string]any{"reason": reason})
		return false, d.release(item)
	}

	content := sanitize(item.content())
	if err := d.term.Send(ctx, content); err != nil {
		return false, d.handleFailure(ctx, item, err)
	}

	if item.kind == kindConversation {
		if err := d.store.MarkDelivered(item.conv.ID); err != nil {
			return true, err
		}
	}
	// Controls stay running; the agent finalizes them via ack.
	d.publish(events.EventItemDelivered, item, nil)
	slog.Info("dispatch: delivered", "kind", item.kind, "id", item.id(), "bytes", len(content))

	if item.requireIdle() {
		d.holdForExecution(ctx)
	}
	return true, nil
}

// snapshot derives (agent state, idle span, health) from the status files.
// A missing status file means no monitor is running: treat the agent as
// offline so only bypass items flow. A missing health file blocks nothing.
type snapshot struct {
	state   string
	idleFor time.Duration
	health  string
}

func (d *Dispatcher) snapshot(now time.Time) snapshot {
	snap := snapshot{state: status.AgentOffline, health: status.HealthOK}
	if st, err := d.files.AgentStatus(); err != nil {
		slog.Warn("dispatch: read agent status", "error", err)
	} else if st != nil {
		snap.state = st.State
		if st.State == status.AgentIdle {
			snap.idleFor = now.Sub(st.Since)
		}
	}
	if hs, err := d.files.Health(); err != nil {
		slog.Warn("dispatch: read health state", "error", err)
	} else if hs != nil && hs.State != "" {
		snap.health = hs.State
	}
	return snap
}

// claimNext resolves control-versus-conversation priority. Controls are
// tried first; when a control row was observed but the claim lost a race,
// the whole tick yields nothing — falling through to a conversation would
// let it overtake a control.
func (d *Dispatcher) claimNext(now time.Time) (*item, error) {
	ctrl, err := d.store.NextPendingControl(now)
	if err != nil {
		return nil, fmt.Errorf("next control: %w", err)
	}
	if ctrl != nil {
		ok, err := d.store.ClaimControl(ctrl.ID)
		if err != nil {
			return nil, fmt.Errorf("claim control %d: %w", ctrl.ID, err)
		}
		if !ok {
			return nil, nil
		}
		return &item{kind: kindControl, ctrl: ctrl}, nil
	}

	conv, err := d.store.NextPendingConversation()
	if err != nil {
		return nil, fmt.Errorf("next conversation: %w", err)
	}
	if conv != nil {
		ok, err := d.store.ClaimConversation(conv.ID)
		if err != nil {
			return nil, fmt.Errorf("claim conversation %d: %w", conv.ID, err)
		}
		if !ok {
			return nil, nil
		}
		return &item{kind: kindConversation, conv: conv}, nil
	}
	return nil, nil
}

// gate returns a non-empty reason when the claimed item must be released
// instead of delivered.
func (d *Dispatcher) gate(it *item, snap snapshot) string {
	if !it.bypassState() {
		if snap.state == status.AgentOffline || snap.state == status.AgentStopped {
			return "agent " + snap.state
		}
		if snap.health != status.HealthOK {
			return "health " + snap.health
		}
	}
	if it.requireIdle() {
		if snap.state != status.AgentIdle {
			return "agent not idle"
		}
		if snap.idleFor < d.cfg.RequireIdleMin.Duration() {
			return "idle span too short"
		}
	}
	return ""
}

// release returns a claimed item to pending without charging a retry.
func (d *Dispatcher) release(it *item) error {
	if it.kind == kindControl {
		return d.store.RequeueControl(it.ctrl.ID)
	}
	return d.store.RequeueConversation(it.conv.ID)
}

// handleFailure records a delivery failure. Failures that are not the
// item's fault (shutdown, missing session) release without a retry;
// genuine paste/verify failures charge one and back off exponentially.
func (d *Dispatcher) handleFailure(ctx context.Context, it *item, sendErr error) error {
	slog.Warn("dispatch: delivery failed", "kind", it.kind, "id", it.id(), "error", sendErr)

	if ctx.Err() != nil {
		// Shutdown mid-send; put the item back untouched.
		d.publish(events.EventItemRequeued, it, map[string]any{"reason": "shutdown"})
		return d.release(it)
	}
	if up, err := d.term.HasSession(ctx); err == nil && !up {
		d.publish(events.EventItemRequeued, it, map[string]any{"reason": "session gone"})
		return d.release(it)
	}

	if it.kind == kindControl {
		st, count, err := d.store.RetryOrFailControl(it.ctrl.ID, sendErr.Error(), d.cfg.MaxRetries)
		if err != nil {
			return err
		}
		if st == queue.ControlFailed {
			d.publish(events.EventItemFailed, it, map[string]any{"retries": count})
			slog.Error("dispatch: control failed permanently", "id", it.ctrl.ID, "retries", count)
		} else {
			d.sleep(ctx, d.backoff(count))
		}
		return nil
	}

	count, err := d.store.IncrementRetryCount(it.conv.ID)
	if err != nil {
		return err
	}
	if count >= d.cfg.MaxRetries {
		if err := d.store.MarkFailed(it.conv.ID); err != nil {
			return err
		}
		d.publish(events.EventItemFailed, it, map[string]any{"retries": count})
		slog.Error("dispatch: conversation failed permanently", "id", it.conv.ID, "retries", count)
		return nil
	}
	if err := d.store.RequeueConversation(it.conv.ID); err != nil {
		return err
	}
	d.sleep(ctx, d.backoff(count))
	return nil
}

// backoff returns RetryBase * 2^(attempt-1).
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return d.cfg.RetryBase.Duration() * time.Duration(math.Pow(2, float64(attempt-1)))
}

// holdForExecution waits out a require_idle submission: give the agent a
// beat to start, then poll until it settles (idle again, or the session
// went away) or the wait budget runs out.
func (d *Dispatcher) holdForExecution(ctx context.Context) {
	d.sleep(ctx, d.cfg.PostSendHold.Duration())
	deadline := d.now().Add(d.cfg.ExecutionMaxWait.Duration())
	for d.now().Before(deadline) && ctx.Err() == nil {
		st, err := d.files.AgentStatus()
		if err == nil && st != nil {
			switch st.State {
			case status.AgentIdle, status.AgentOffline, status.AgentStopped:
				return
			}
		}
		d.sleep(ctx, time.Second)
	}
}

// adaptPoll widens the poll interval while the queue is drained and the
// agent idles, and snaps back to base on any delivery.
func (d *Dispatcher) adaptPoll(delivered bool) {
	base := d.cfg.PollInterval.Duration()
	max := d.cfg.PollIntervalMax.Duration()
	if delivered {
		d.poll = base
		return
	}
	st, err := d.files.AgentStatus()
	if err != nil || st == nil || st.State != status.AgentIdle {
		d.poll = base
		return
	}
	d.poll *= 2
	if d.poll > max {
		d.poll = max
	}
}

func (d *Dispatcher) publish(t events.EventType, it *item, extra map[string]any) {
	if d.bus == nil {
		return
	}
	payload := map[string]any{"kind": string(it.kind), "id": it.id()}
	for k, v := range extra {
		payload[k] = v
	}
	d.bus.Publish(events.NewEvent(t, events.SourceDispatcher, payload))
}
