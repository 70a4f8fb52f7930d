package upgrade

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/okvist/vigil/internal/components"
	"github.com/okvist/vigil/internal/config"
)

type fakeFetcher struct {
	tag     string
	archive string
	tagErr  error
}

func (f *fakeFetcher) LatestTag(_ context.Context, _ string) (string, error) {
	if f.tagErr != nil {
		return "", f.tagErr
	}
	return f.tag, nil
}

func (f *fakeFetcher) Download(_ context.Context, _, _, _ string) (string, error) {
	return f.archive, nil
}

type fakeServices struct {
	mu      sync.Mutex
	state   map[string]string
	stops   []string
	starts  []string
	stopErr error
	status  string // forced Status result when non-empty
}

func (s *fakeServices) Stop(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopErr != nil {
		return s.stopErr
	}
	s.stops = append(s.stops, name)
	s.state[name] = "stopped"
	return nil
}

func (s *fakeServices) Start(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, name)
	s.state[name] = "online"
	return nil
}

func (s *fakeServices) Status(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != "" {
		return s.status, nil
	}
	if st, ok := s.state[name]; ok {
		return st, nil
	}
	return "online", nil
}

type harness struct {
	t       *testing.T
	root    string
	skill   string
	archive string
	reg     *components.Registry
	fetch   *fakeFetcher
	svc     *fakeServices
	up      *Upgrader

	mu    sync.Mutex
	clock time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	skill := filepath.Join(root, "skills", "telegram")
	writeTree(t, skill, map[string]string{
		"send.js":     "console.log('v0.1.0')\n",
		"lib/util.js": "exports.a = 1\n",
	})
	m, err := components.BuildManifest(skill, nil)
	if err != nil {
		t.Fatalf("install manifest: %v", err)
	}
	if err := m.Save(filepath.Join(skill, components.ManifestName)); err != nil {
		t.Fatalf("save manifest: %v", err)
	}

	reg, err := components.LoadRegistry(filepath.Join(root, "components.json"))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	reg.Set("telegram", &components.Entry{
		Version:     "v0.1.0",
		Repo:        "okvist/vigil-telegram",
		Type:        components.TypeDeclarative,
		InstalledAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		SkillDir:    skill,
		DataDir:     filepath.Join(root, "components", "telegram"),
	})
	if err := reg.Save(); err != nil {
		t.Fatalf("save registry: %v", err)
	}

	archive := filepath.Join(root, "release")
	writeTree(t, archive, map[string]string{
		"send.js":        "console.log('v0.2.0')\n",
		"lib/util.js":    "exports.a = 2\n",
		"CHANGELOG.md":   "# v0.2.0\n- faster sends\n",
		"component.yaml": "name: telegram\ntype: declarative\nbin:\n  tg-send: send.js\n",
	})

	h := &harness{
		t:       t,
		root:    root,
		skill:   skill,
		archive: archive,
		reg:     reg,
		fetch:   &fakeFetcher{tag: "v0.2.0", archive: archive},
		svc:     &fakeServices{state: map[string]string{}},
		clock:   time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC),
	}
	cfg := config.UpgradeConfig{
		VerifyTimeout: config.Duration(200 * time.Millisecond),
		HookTimeout:   config.Duration(5 * time.Second),
		KeepSnapshots: 1,
	}
	h.up = New(cfg, root, Deps{
		Registry: reg,
		Fetcher:  h.fetch,
		Services: h.svc,
		Now:      h.now,
	})
	h.up.statusPoll = time.Millisecond
	return h
}

// now advances one second per call so consecutive snapshots never
// collide on the timestamp directory name.
func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(time.Second)
	return h.clock
}

func (h *harness) diskRegistry() *components.Registry {
	h.t.Helper()
	reg, err := components.LoadRegistry(filepath.Join(h.root, "components.json"))
	if err != nil {
		h.t.Fatalf("reload registry: %v", err)
	}
	return reg
}

func (h *harness) snapshots() []string {
	h.t.Helper()
	entries, err := os.ReadDir(filepath.Join(h.skill, components.SnapshotDirName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		h.t.Fatalf("read snapshots: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestCheckReportsUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.up.Check(ctx, "telegram")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.HasUpdate || res.Current != "v0.1.0" || res.Latest != "v0.2.0" {
		t.Fatalf("result = %+v", res)
	}

	h.fetch.tag = "v0.1.0"
	res, err = h.up.Check(ctx, "telegram")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.HasUpdate {
		t.Fatalf("no update expected at same version: %+v", res)
	}

	if _, err := h.up.Check(ctx, "ghost"); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Check(ghost) = %v, want ErrNotInstalled", err)
	}
}

func TestApplySuccess(t *testing.T) {
	h := newHarness(t)

	var streamed []StepResult
	rep, err := h.up.Apply(context.Background(), "telegram", Options{
		OnStep: func(r StepResult) { streamed = append(streamed, r) },
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !rep.Success || rep.FailedStep != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Steps) != 8 || len(streamed) != 8 {
		t.Fatalf("steps recorded %d, streamed %d, want 8", len(rep.Steps), len(streamed))
	}
	wantStatus := []string{"done", "done", "done", "skipped", "skipped", "done", "done", "done"}
	for i, want := range wantStatus {
		if rep.Steps[i].Status != want {
			t.Fatalf("step %d (%s) status = %s, want %s", i+1, rep.Steps[i].Name, rep.Steps[i].Status, want)
		}
	}

	if got := readFile(t, filepath.Join(h.skill, "send.js")); !strings.Contains(got, "v0.2.0") {
		t.Fatalf("send.js not upgraded: %q", got)
	}
	if !reflect.DeepEqual(h.svc.stops, []string{"vigil-telegram"}) {
		t.Fatalf("stops = %v", h.svc.stops)
	}
	if !reflect.DeepEqual(h.svc.starts, []string{"vigil-telegram"}) {
		t.Fatalf("starts = %v", h.svc.starts)
	}

	entry := h.diskRegistry().Get("telegram")
	if entry == nil || entry.Version != "v0.2.0" {
		t.Fatalf("registry entry = %+v", entry)
	}
	if entry.UpgradedAt.IsZero() {
		t.Fatalf("UpgradedAt not recorded")
	}

	// One snapshot of the old version survives.
	snaps := h.snapshots()
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %v, want one", snaps)
	}
	old := readFile(t, filepath.Join(h.skill, components.SnapshotDirName, snaps[0], "send.js"))
	if !strings.Contains(old, "v0.1.0") {
		t.Fatalf("snapshot holds %q, want the pre-upgrade content", old)
	}

	// Manifest regenerated to match the new tree.
	recorded, err := components.LoadManifest(filepath.Join(h.skill, components.ManifestName))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	desc := &components.Descriptor{}
	current, err := components.BuildManifest(h.skill, desc.IgnorePaths())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if c := recorded.Diff(current); !c.Empty() {
		t.Fatalf("manifest stale after upgrade: %+v", c)
	}

	// Bin link points into the skill dir.
	link := filepath.Join(h.root, "bin", "tg-send")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("bin link: %v", err)
	}
	if target != filepath.Join(h.skill, "send.js") {
		t.Fatalf("link target = %s", target)
	}
	if entry.Bin != link {
		t.Fatalf("entry.Bin = %s, want %s", entry.Bin, link)
	}
}

func TestApplyHookFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	writeTree(t, h.archive, map[string]string{
		"component.yaml": "name: telegram\ntype: declarative\npost_install: setup.sh\n",
		"setup.sh":       "exit 1\n",
	})
	h.up.run = func(_ context.Context, _ string, _ []string, _ time.Duration) (string, error) {
		return "setup exploded", errors.New("exit status 1")
	}

	rep, err := h.up.Apply(context.Background(), "telegram", Options{})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if rep.Success || rep.FailedStep != 5 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Steps[4].Status != "failed" || !strings.Contains(rep.Steps[4].Error, "exit status 1") {
		t.Fatalf("hook step = %+v", rep.Steps[4])
	}
	if rep.Rollback == nil || !rep.Rollback.Performed {
		t.Fatalf("rollback = %+v", rep.Rollback)
	}
	want := []string{"restore files", "restore registry", "restart services"}
	if !reflect.DeepEqual(rep.Rollback.Steps, want) {
		t.Fatalf("rollback steps = %v, want %v", rep.Rollback.Steps, want)
	}

	// Install dir and registry are back at the old version.
	if got := readFile(t, filepath.Join(h.skill, "send.js")); !strings.Contains(got, "v0.1.0") {
		t.Fatalf("send.js = %q after rollback", got)
	}
	entry := h.diskRegistry().Get("telegram")
	if entry.Version != "v0.1.0" || !entry.UpgradedAt.IsZero() {
		t.Fatalf("registry entry = %+v", entry)
	}

	// Service restarted, snapshot kept as evidence.
	if h.svc.state["vigil-telegram"] != "online" {
		t.Fatalf("service state = %q", h.svc.state["vigil-telegram"])
	}
	if snaps := h.snapshots(); len(snaps) != 1 {
		t.Fatalf("snapshots = %v, want the failed run's", snaps)
	}
}

func TestApplyVerifyFailureRestoresRegistry(t *testing.T) {
	h := newHarness(t)
	h.svc.status = "errored"

	rep, err := h.up.Apply(context.Background(), "telegram", Options{})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if rep.FailedStep != 8 {
		t.Fatalf("FailedStep = %d, want 8", rep.FailedStep)
	}
	if !strings.Contains(rep.Error, "not online") {
		t.Fatalf("Error = %q", rep.Error)
	}
	if rep.Rollback == nil || !rep.Rollback.Performed {
		t.Fatalf("rollback = %+v", rep.Rollback)
	}
	// Step 6 had already advanced the registry; rollback undoes it.
	if entry := h.diskRegistry().Get("telegram"); entry.Version != "v0.1.0" {
		t.Fatalf("registry entry = %+v", entry)
	}
}

func TestApplyStopFailureSkipsRestart(t *testing.T) {
	h := newHarness(t)
	h.svc.stopErr = errors.New("manager offline")

	rep, err := h.up.Apply(context.Background(), "telegram", Options{})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if rep.FailedStep != 2 {
		t.Fatalf("FailedStep = %d, want 2", rep.FailedStep)
	}
	want := []string{"restore files", "restore registry"}
	if !reflect.DeepEqual(rep.Rollback.Steps, want) {
		t.Fatalf("rollback steps = %v, want %v (nothing was stopped)", rep.Rollback.Steps, want)
	}
}

func TestApplyLockContention(t *testing.T) {
	h := newHarness(t)
	lockPath := filepath.Join(h.root, "locks", "telegram.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	other := flock.New(lockPath)
	locked, err := other.TryLock()
	if err != nil || !locked {
		t.Fatalf("pre-lock: locked=%v err=%v", locked, err)
	}

	if _, err := h.up.Apply(context.Background(), "telegram", Options{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("Apply under contention = %v, want ErrLocked", err)
	}
	if got := readFile(t, filepath.Join(h.skill, "send.js")); !strings.Contains(got, "v0.1.0") {
		t.Fatalf("install dir touched under contention: %q", got)
	}

	if err := other.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	rep, err := h.up.Apply(context.Background(), "telegram", Options{})
	if err != nil || !rep.Success {
		t.Fatalf("Apply after release: %v (%+v)", err, rep)
	}
}

func TestApplyPrunesSnapshots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.up.Apply(ctx, "telegram", Options{}); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if snaps := h.snapshots(); len(snaps) != 1 {
		t.Fatalf("snapshots after first apply = %v", snaps)
	}

	h.fetch.tag = "v0.3.0"
	if _, err := h.up.Apply(ctx, "telegram", Options{}); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	snaps := h.snapshots()
	if len(snaps) != 1 {
		t.Fatalf("snapshots after second apply = %v, want only the newest", snaps)
	}
	// The survivor is the second run's snapshot, holding v0.2.0.
	old := readFile(t, filepath.Join(h.skill, components.SnapshotDirName, snaps[0], "send.js"))
	if !strings.Contains(old, "v0.2.0") {
		t.Fatalf("surviving snapshot holds %q", old)
	}
}

func TestApplyAlreadyUpToDate(t *testing.T) {
	h := newHarness(t)
	h.fetch.tag = "v0.1.0"

	rep, err := h.up.Apply(context.Background(), "telegram", Options{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !rep.Success || len(rep.Steps) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(h.svc.stops) != 0 {
		t.Fatalf("services cycled on a no-op upgrade: %v", h.svc.stops)
	}
	if snaps := h.snapshots(); len(snaps) != 0 {
		t.Fatalf("snapshot taken on a no-op upgrade: %v", snaps)
	}
}

func TestApplyConfirmSeesAnalysisAndCanAbort(t *testing.T) {
	h := newHarness(t)
	// Local edit after install makes send.js interesting.
	writeTree(t, h.skill, map[string]string{"send.js": "console.log('patched locally')\n"})

	var captured *Analysis
	_, err := h.up.Apply(context.Background(), "telegram", Options{
		Confirm: func(a *Analysis) (bool, error) {
			captured = a
			return false, nil
		},
	})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Apply = %v, want ErrAborted", err)
	}
	if captured == nil {
		t.Fatalf("confirm never called")
	}
	if !reflect.DeepEqual(captured.Changes.Modified, []string{"send.js"}) {
		t.Fatalf("Modified = %v", captured.Changes.Modified)
	}
	for _, want := range []string{"local/send.js", "incoming/send.js", "patched locally"} {
		if !strings.Contains(captured.Diff, want) {
			t.Fatalf("diff missing %q:\n%s", want, captured.Diff)
		}
	}
	if !strings.Contains(captured.Changelog, "v0.2.0") {
		t.Fatalf("changelog = %q", captured.Changelog)
	}

	// Abort means nothing moved.
	if len(h.svc.stops) != 0 {
		t.Fatalf("services touched after abort: %v", h.svc.stops)
	}
	if entry := h.diskRegistry().Get("telegram"); entry.Version != "v0.1.0" {
		t.Fatalf("registry advanced after abort: %+v", entry)
	}
	if snaps := h.snapshots(); len(snaps) != 0 {
		t.Fatalf("snapshot taken after abort: %v", snaps)
	}
}

func TestApplyNotInstalled(t *testing.T) {
	h := newHarness(t)
	if _, err := h.up.Apply(context.Background(), "ghost", Options{}); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Apply(ghost) = %v, want ErrNotInstalled", err)
	}
}

func TestExecServicesStatusParsesFirstLine(t *testing.T) {
	s := newExecServices([]string{"pm2"})
	s.run = func(_ context.Context, _ string, argv []string, _ time.Duration) (string, error) {
		want := []string{"pm2", "status", "vigil-telegram"}
		if !reflect.DeepEqual(argv, want) {
			t.Fatalf("argv = %v, want %v", argv, want)
		}
		return "ONLINE\nuptime: 4d", nil
	}
	got, err := s.Status(context.Background(), "vigil-telegram")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got != "online" {
		t.Fatalf("status = %q, want online", got)
	}
}

func TestExecFetcherLatestTag(t *testing.T) {
	f := &execFetcher{check: []string{"latest-tag"}}
	f.run = func(_ context.Context, _ string, argv []string, _ time.Duration) (string, error) {
		if want := []string{"latest-tag", "okvist/vigil-telegram"}; !reflect.DeepEqual(argv, want) {
			t.Fatalf("argv = %v, want %v", argv, want)
		}
		return "v0.2.0\nfetched in 120ms", nil
	}
	tag, err := f.LatestTag(context.Background(), "okvist/vigil-telegram")
	if err != nil {
		t.Fatalf("LatestTag: %v", err)
	}
	if tag != "v0.2.0" {
		t.Fatalf("tag = %q", tag)
	}

	f.run = func(_ context.Context, _ string, _ []string, _ time.Duration) (string, error) {
		return "", nil
	}
	if _, err := f.LatestTag(context.Background(), "okvist/vigil-telegram"); err == nil {
		t.Fatalf("empty output should be an error")
	}
}

func TestExtractedRoot(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"nested/send.js": "code"})
	got, err := extractedRoot(dir)
	if err != nil {
		t.Fatalf("extractedRoot: %v", err)
	}
	if got != filepath.Join(dir, "nested") {
		t.Fatalf("root = %s, want the single subdirectory", got)
	}

	flat := t.TempDir()
	writeTree(t, flat, map[string]string{"send.js": "code", "util.js": "code"})
	got, err = extractedRoot(flat)
	if err != nil {
		t.Fatalf("extractedRoot: %v", err)
	}
	if got != flat {
		t.Fatalf("root = %s, want the directory itself", got)
	}
}
