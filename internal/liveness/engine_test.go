package liveness

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/queue"
	"github.com/okvist/vigil/internal/status"
)

type fakeQueue struct {
	controls map[int64]*queue.Control
	nextID   int64
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{controls: map[int64]*queue.Control{}}
}

func (f *fakeQueue) InsertControl(p queue.ControlInsert) (*queue.Control, error) {
	f.nextID++
	c := &queue.Control{
		ID:          f.nextID,
		Content:     strings.ReplaceAll(p.Content, queue.ControlIDToken, strconv.FormatInt(f.nextID, 10)),
		Priority:    p.Priority,
		RequireIdle: p.RequireIdle,
		BypassState: p.BypassState,
		AckDeadline: p.AckDeadline,
		AvailableAt: p.AvailableAt,
		Status:      queue.ControlPending,
	}
	f.controls[c.ID] = c
	return c, nil
}

func (f *fakeQueue) GetControl(id int64) (*queue.Control, error) {
	c, ok := f.controls[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return c, nil
}

func (f *fakeQueue) setStatus(id int64, s queue.ControlStatus) {
	f.controls[id].Status = s
}

type harness struct {
	engine   *Engine
	q        *fakeQueue
	files    status.Files
	clock    time.Time
	kills    int
	notifies int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		q:     newFakeQueue(),
		files: status.Files{Dir: t.TempDir()},
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := config.LivenessConfig{
		HeartbeatInterval:  config.Duration(30 * time.Minute),
		AckDeadline:        config.Duration(5 * time.Minute),
		MaxPendingAge:      config.Duration(10 * time.Minute),
		MaxRestartFailures: 3,
		RateLimitedProbe:   config.Duration(5 * time.Minute),
		DownRetry:          config.Duration(30 * time.Minute),
	}
	eng, err := New(cfg, Deps{
		Queue:          h.q,
		Files:          h.files,
		KillSession:    func(context.Context) error { h.kills++; return nil },
		NotifyChannels: func(context.Context) { h.notifies++ },
		Now:            func() time.Time { return h.clock },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = eng
	return h
}

func (h *harness) tick(t *testing.T, running bool) {
	t.Helper()
	if err := h.engine.Process(context.Background(), running); err != nil {
		t.Fatalf("process: %v", err)
	}
}

func (h *harness) pending(t *testing.T) *status.PendingHeartbeat {
	t.Helper()
	p, err := h.files.PendingHeartbeat()
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	return p
}

func TestPrimaryHeartbeatLifecycle(t *testing.T) {
	h := newHarness(t)

	// First tick sends the initial primary probe.
	h.tick(t, true)
	p := h.pending(t)
	if p == nil || p.Phase != status.PhasePrimary {
		t.Fatalf("pending = %+v, want primary", p)
	}
	ctrl := h.q.controls[p.ControlID]
	if !ctrl.BypassState || ctrl.Priority != 0 {
		t.Errorf("heartbeat must bypass state at priority 0: %+v", ctrl)
	}
	if strings.Contains(ctrl.Content, queue.ControlIDToken) {
		t.Errorf("token not substituted: %q", ctrl.Content)
	}
	if !strings.Contains(ctrl.Content, "--id "+strconv.FormatInt(ctrl.ID, 10)) {
		t.Errorf("content should reference the control id: %q", ctrl.Content)
	}

	// While in flight, no second probe.
	h.tick(t, true)
	if h.q.nextID != 1 {
		t.Fatalf("enqueued %d probes while one in flight", h.q.nextID)
	}

	// Ack resolves it; state stays ok, pending cleared.
	h.q.setStatus(ctrl.ID, queue.ControlDone)
	h.tick(t, true)
	if h.pending(t) != nil {
		t.Fatal("pending not cleared after ack")
	}
	if h.engine.State() != status.HealthOK {
		t.Fatalf("state = %q", h.engine.State())
	}

	// Next probe waits for the interval.
	h.clock = h.clock.Add(10 * time.Minute)
	h.tick(t, true)
	if h.q.nextID != 1 {
		t.Fatal("probe sent before interval elapsed")
	}
	h.clock = h.clock.Add(25 * time.Minute)
	h.tick(t, true)
	if h.q.nextID != 2 {
		t.Fatal("probe not sent after interval")
	}
}

func TestRecoveryLadderToDownAndBack(t *testing.T) {
	h := newHarness(t)

	failProbe := func(wantPhase status.HeartbeatPhase) {
		t.Helper()
		p := h.pending(t)
		if p == nil || p.Phase != wantPhase {
			t.Fatalf("pending = %+v, want phase %s", p, wantPhase)
		}
		h.q.setStatus(p.ControlID, queue.ControlTimeout)
		h.tick(t, true)
	}

	// Failure 1: primary timeout, ok -> recovering, session killed.
	h.tick(t, true)
	failProbe(status.PhasePrimary)
	if h.engine.State() != status.HealthRecovering {
		t.Fatalf("state after first failure = %q", h.engine.State())
	}
	if h.kills != 1 {
		t.Fatalf("kills = %d, want 1", h.kills)
	}

	// Backoff gates the next attempt: one minute per failure.
	h.tick(t, true)
	if h.pending(t) != nil {
		t.Fatal("recovery probe sent before backoff elapsed")
	}
	h.clock = h.clock.Add(61 * time.Second)
	h.tick(t, true)
	failProbe(status.PhaseRecovery)
	if h.kills != 2 {
		t.Fatalf("kills = %d, want 2", h.kills)
	}

	// Failure 3 reaches the cap: down.
	h.clock = h.clock.Add(121 * time.Second)
	h.tick(t, true)
	failProbe(status.PhaseRecovery)
	if h.engine.State() != status.HealthDown {
		t.Fatalf("state after third failure = %q", h.engine.State())
	}
	if h.kills != 3 {
		t.Fatalf("kills = %d, want 3", h.kills)
	}

	// Down probes run on their own slow cadence.
	h.tick(t, true)
	if h.pending(t) != nil {
		t.Fatal("down probe sent before down retry interval")
	}
	h.clock = h.clock.Add(31 * time.Minute)
	h.tick(t, true)
	p := h.pending(t)
	if p == nil || p.Phase != status.PhaseDownCheck {
		t.Fatalf("pending = %+v, want down-check", p)
	}

	// A down-check ack brings the system back and notifies waiting channels.
	h.q.setStatus(p.ControlID, queue.ControlDone)
	h.tick(t, true)
	if h.engine.State() != status.HealthOK {
		t.Fatalf("state after down-check ack = %q", h.engine.State())
	}
	if h.notifies != 1 {
		t.Fatalf("notifies = %d, want 1", h.notifies)
	}
	hs, _ := h.files.Health()
	if hs.RestartFailures != 0 {
		t.Errorf("failure counter not reset: %d", hs.RestartFailures)
	}
}

func TestRateLimitedProbing(t *testing.T) {
	h := newHarness(t)

	h.engine.MarkRateLimited(context.Background())
	if h.engine.State() != status.HealthRateLimited {
		t.Fatalf("state = %q", h.engine.State())
	}

	// Probes every five minutes; failures do not climb the ladder.
	h.tick(t, true)
	if h.pending(t) != nil {
		t.Fatal("probe before interval")
	}
	h.clock = h.clock.Add(6 * time.Minute)
	h.tick(t, true)
	p := h.pending(t)
	if p == nil || p.Phase != status.PhaseRateLimitCheck {
		t.Fatalf("pending = %+v, want rate-limit-check", p)
	}
	h.q.setStatus(p.ControlID, queue.ControlTimeout)
	h.tick(t, true)
	if h.engine.State() != status.HealthRateLimited {
		t.Fatalf("state after probe failure = %q", h.engine.State())
	}
	if h.kills != 0 {
		t.Fatalf("rate-limited probe failure killed the session")
	}

	// Ack lifts the limit.
	h.clock = h.clock.Add(6 * time.Minute)
	h.tick(t, true)
	p = h.pending(t)
	h.q.setStatus(p.ControlID, queue.ControlDone)
	h.tick(t, true)
	if h.engine.State() != status.HealthOK {
		t.Fatalf("state = %q", h.engine.State())
	}
	if h.notifies != 1 {
		t.Fatalf("notifies = %d", h.notifies)
	}
}

func TestMarkRateLimitedIgnoredWhenDown(t *testing.T) {
	h := newHarness(t)
	h.engine.health.State = status.HealthDown
	h.engine.MarkRateLimited(context.Background())
	if h.engine.State() != status.HealthDown {
		t.Fatalf("down must not become rate_limited, got %q", h.engine.State())
	}
}

func TestStuckCheck(t *testing.T) {
	h := newHarness(t)

	if !h.engine.RequestStuckCheck() {
		t.Fatal("stuck check refused in ok with no pending")
	}
	h.tick(t, true)
	p := h.pending(t)
	if p == nil || p.Phase != status.PhaseStuck {
		t.Fatalf("pending = %+v, want stuck", p)
	}

	// Refused while one is in flight.
	if h.engine.RequestStuckCheck() {
		t.Fatal("stuck check accepted with heartbeat in flight")
	}

	// Refused outside ok.
	h.q.setStatus(p.ControlID, queue.ControlTimeout)
	h.tick(t, true)
	if h.engine.State() != status.HealthRecovering {
		t.Fatalf("state = %q", h.engine.State())
	}
	if h.engine.RequestStuckCheck() {
		t.Fatal("stuck check accepted while recovering")
	}
}

func TestPendingAbsoluteCeiling(t *testing.T) {
	h := newHarness(t)

	h.tick(t, true)
	p := h.pending(t)
	// The control item never resolves (stays pending forever).
	h.clock = h.clock.Add(9 * time.Minute)
	h.tick(t, true)
	if h.engine.State() != status.HealthOK {
		t.Fatal("ceiling fired early")
	}
	h.clock = h.clock.Add(2 * time.Minute)
	h.tick(t, true)
	if h.engine.State() != status.HealthRecovering {
		t.Fatalf("state = %q, want recovering after ceiling", h.engine.State())
	}
	if got := h.pending(t); got != nil {
		t.Fatalf("pending not cleared after ceiling: %+v", got)
	}
	_ = p
}

func TestNoProbesWhenAgentNotRunning(t *testing.T) {
	h := newHarness(t)

	h.tick(t, false)
	if h.pending(t) != nil {
		t.Fatal("probe enqueued into a dead agent")
	}

	// But an in-flight heartbeat still resolves, so a dead agent times out.
	h.tick(t, true)
	p := h.pending(t)
	h.q.setStatus(p.ControlID, queue.ControlTimeout)
	h.tick(t, false)
	if h.engine.State() != status.HealthRecovering {
		t.Fatalf("state = %q", h.engine.State())
	}
}

func TestMissingControlRowIsFailure(t *testing.T) {
	h := newHarness(t)
	h.tick(t, true)
	p := h.pending(t)
	delete(h.q.controls, p.ControlID)
	h.tick(t, true)
	if h.engine.State() != status.HealthRecovering {
		t.Fatalf("state = %q, want recovering for vanished row", h.engine.State())
	}
}

func TestEngineResumesPersistedState(t *testing.T) {
	h := newHarness(t)

	h.tick(t, true)
	p := h.pending(t)
	h.q.setStatus(p.ControlID, queue.ControlTimeout)
	h.tick(t, true)
	if h.engine.State() != status.HealthRecovering {
		t.Fatalf("state = %q", h.engine.State())
	}

	// A fresh engine over the same files resumes where the old one stopped.
	resumed, err := New(config.LivenessConfig{
		HeartbeatInterval:  config.Duration(30 * time.Minute),
		AckDeadline:        config.Duration(5 * time.Minute),
		MaxPendingAge:      config.Duration(10 * time.Minute),
		MaxRestartFailures: 3,
		RateLimitedProbe:   config.Duration(5 * time.Minute),
		DownRetry:          config.Duration(30 * time.Minute),
	}, Deps{Queue: h.q, Files: h.files, Now: func() time.Time { return h.clock }})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State() != status.HealthRecovering {
		t.Fatalf("resumed state = %q", resumed.State())
	}
}
