// Package upgrade replaces installed components in place: a staged
// apply serialized by a per-component file lock, with a snapshot taken
// before the first mutating step and automatic rollback to it when any
// later step fails.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/okvist/vigil/internal/components"
	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/events"
)

var (
	ErrNotInstalled = errors.New("component not installed")
	ErrLocked       = errors.New("upgrade already in progress")
	ErrAborted      = errors.New("upgrade aborted by operator")
)

// Fetcher resolves release tags and downloads archives. The default
// implementation shells out to the configured check and fetch commands.
type Fetcher interface {
	LatestTag(ctx context.Context, repo string) (string, error)
	// Download fetches tag of repo into dir and returns the directory
	// holding the extracted archive root.
	Download(ctx context.Context, repo, tag, dir string) (string, error)
}

// ServiceManager cycles the OS-level services a component runs as.
type ServiceManager interface {
	Stop(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	// Status returns the manager's state word for the service; "online"
	// means healthy.
	Status(ctx context.Context, name string) (string, error)
}

// Deps are the upgrader's collaborators. Registry is required; a nil
// Fetcher or Services falls back to the exec-based default built from
// the configured commands.
type Deps struct {
	Registry *components.Registry
	Fetcher  Fetcher
	Services ServiceManager
	Bus      *events.Bus
	Log      *slog.Logger
	Now      func() time.Time
}

// Upgrader performs version checks and staged upgrades of installed
// components.
type Upgrader struct {
	cfg      config.UpgradeConfig
	locksDir string
	binDir   string
	reg      *components.Registry
	fetch    Fetcher
	services ServiceManager
	bus      *events.Bus
	log      *slog.Logger
	now      func() time.Time

	run        commandRunner
	statusPoll time.Duration
}

// New builds an Upgrader rooted at the install root (the directory
// holding components.json, locks/ and bin/).
func New(cfg config.UpgradeConfig, root string, deps Deps) *Upgrader {
	u := &Upgrader{
		cfg:        cfg,
		locksDir:   filepath.Join(root, "locks"),
		binDir:     filepath.Join(root, "bin"),
		reg:        deps.Registry,
		fetch:      deps.Fetcher,
		services:   deps.Services,
		bus:        deps.Bus,
		log:        deps.Log,
		now:        deps.Now,
		run:        runCommand,
		statusPoll: 500 * time.Millisecond,
	}
	if u.fetch == nil {
		u.fetch = newExecFetcher(cfg)
	}
	if u.services == nil {
		u.services = newExecServices(cfg.ServiceManager)
	}
	if u.log == nil {
		u.log = slog.Default()
	}
	if u.now == nil {
		u.now = time.Now
	}
	return u
}

// CheckResult is the outcome of a remote version probe.
type CheckResult struct {
	Component string `json:"component"`
	Repo      string `json:"repo"`
	Current   string `json:"current"`
	Latest    string `json:"latest"`
	HasUpdate bool   `json:"hasUpdate"`
}

// Check compares the installed version against the latest remote tag.
// It takes no lock and mutates nothing.
func (u *Upgrader) Check(ctx context.Context, name string) (*CheckResult, error) {
	entry := u.reg.Get(name)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	latest, err := u.fetch.LatestTag(ctx, entry.Repo)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", name, err)
	}
	return &CheckResult{
		Component: name,
		Repo:      entry.Repo,
		Current:   entry.Version,
		Latest:    latest,
		HasUpdate: latest != "" && latest != entry.Version,
	}, nil
}

// StepResult reports one staged step, streamed to the caller while the
// apply runs.
type StepResult struct {
	Step    int    `json:"step"`
	Total   int    `json:"total"`
	Name    string `json:"name"`
	Status  string `json:"status"` // done | skipped | failed
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RollbackReport records what the automatic rollback managed to do.
type RollbackReport struct {
	Performed bool     `json:"performed"`
	Steps     []string `json:"steps,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Report is the final outcome of one Apply run.
type Report struct {
	Component  string          `json:"component"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Success    bool            `json:"success"`
	FailedStep int             `json:"failedStep,omitempty"`
	Error      string          `json:"error,omitempty"`
	Rollback   *RollbackReport `json:"rollback,omitempty"`
	Steps      []StepResult    `json:"steps,omitempty"`
}

// Options tune a single Apply run.
type Options struct {
	// Tag pins the version to install; empty means latest.
	Tag string
	// Confirm, when set, sees the analysis before anything is touched;
	// returning false aborts the upgrade. Nil runs non-interactively.
	Confirm func(*Analysis) (bool, error)
	// OnStep receives each step result as it completes.
	OnStep func(StepResult)
}

// Apply upgrades one component to the requested (or latest) tag. The
// component's lock is held for the whole transaction and always
// released; the download directory is always cleaned up. On a step
// failure the returned error is non-nil and the report carries the
// failed step plus the rollback outcome.
func (u *Upgrader) Apply(ctx context.Context, name string, opts Options) (*Report, error) {
	entry := u.reg.Get(name)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}

	if err := os.MkdirAll(u.locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir locks: %w", err)
	}
	lock := flock.New(filepath.Join(u.locksDir, name+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", name, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			u.log.Warn("upgrade: releasing lock", "component", name, "error", err)
		}
	}()

	tag := opts.Tag
	if tag == "" {
		if tag, err = u.fetch.LatestTag(ctx, entry.Repo); err != nil {
			return nil, fmt.Errorf("check %s: %w", name, err)
		}
	}
	if tag == entry.Version {
		u.log.Info("upgrade: already up to date", "component", name, "version", tag)
		return &Report{Component: name, From: entry.Version, To: tag, Success: true}, nil
	}

	tmp, err := os.MkdirTemp("", "vigil-upgrade-"+name+"-")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	extracted, err := u.fetch.Download(ctx, entry.Repo, tag, tmp)
	if err != nil {
		return nil, fmt.Errorf("download %s %s: %w", name, tag, err)
	}
	desc, err := components.LoadDescriptor(extracted)
	if err != nil {
		return nil, err
	}

	analysis, err := u.analyse(ctx, entry, extracted, desc)
	if err != nil {
		return nil, err
	}
	if opts.Confirm != nil {
		ok, err := opts.Confirm(analysis)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAborted, name)
		}
	}

	u.log.Info("upgrade: applying", "component", name, "from", entry.Version, "to", tag)
	return u.apply(ctx, name, entry, tag, extracted, desc, opts.OnStep)
}

// applyState carries everything the staged steps and the rollback need.
type applyState struct {
	name      string
	entry     *components.Entry
	before    components.Entry // pre-upgrade copy, restored on rollback
	tag       string
	extracted string
	desc      *components.Descriptor
	services  []string
	snapshot  string   // set once step 1 succeeds
	stopped   []string // services actually stopped by step 2
}

type applyStep struct {
	name string
	fn   func(context.Context, *applyState) (string, bool, error)
}

func (u *Upgrader) apply(ctx context.Context, name string, entry *components.Entry, tag, extracted string, desc *components.Descriptor, onStep func(StepResult)) (*Report, error) {
	st := &applyState{
		name:      name,
		entry:     entry,
		before:    *entry,
		tag:       tag,
		extracted: extracted,
		desc:      desc,
		services:  desc.ServiceNames(name, entry.Type),
	}
	report := &Report{Component: name, From: st.before.Version, To: tag}

	steps := []applyStep{
		{"snapshot", u.stepSnapshot},
		{"stop services", u.stepStopServices},
		{"copy files", u.stepCopyFiles},
		{"platform deps", u.stepPlatformDeps},
		{"post-install hook", u.stepPostInstall},
		{"update manifest and registry", u.stepRecord},
		{"start services", u.stepStartServices},
		{"verify online", u.stepVerify},
	}

	for i, s := range steps {
		msg, skipped, err := s.fn(ctx, st)
		res := StepResult{Step: i + 1, Total: len(steps), Name: s.name, Status: "done", Message: msg}
		if skipped {
			res.Status = "skipped"
		}
		if err != nil {
			res.Status = "failed"
			res.Error = err.Error()
		}
		u.emit(name, res, onStep)
		report.Steps = append(report.Steps, res)
		if err != nil {
			report.FailedStep = res.Step
			report.Error = err.Error()
			report.Rollback = u.rollback(ctx, st)
			return report, fmt.Errorf("upgrade %s failed at step %d (%s): %w", name, res.Step, s.name, err)
		}
	}

	report.Success = true
	if err := u.pruneSnapshots(st.entry.SkillDir); err != nil {
		u.log.Warn("upgrade: pruning snapshots", "component", name, "error", err)
	}
	u.log.Info("upgrade: done", "component", name, "version", tag)
	return report, nil
}

func (u *Upgrader) emit(component string, res StepResult, onStep func(StepResult)) {
	if onStep != nil {
		onStep(res)
	}
	u.log.Info("upgrade: step",
		"component", component,
		"step", res.Step,
		"name", res.Name,
		"status", res.Status)
	if u.bus != nil {
		u.bus.Publish(events.NewEvent(events.EventUpgradeStep, events.SourceUpgrader, map[string]any{
			"component": component,
			"step":      res.Step,
			"total":     res.Total,
			"name":      res.Name,
			"status":    res.Status,
			"message":   res.Message,
			"error":     res.Error,
		}))
	}
}

func (u *Upgrader) stepSnapshot(_ context.Context, st *applyState) (string, bool, error) {
	ts := u.now().UTC().Format("20060102-150405")
	dst := filepath.Join(st.entry.SkillDir, components.SnapshotDirName, ts)
	if _, err := copyTree(st.entry.SkillDir, dst, nil); err != nil {
		return "", false, err
	}
	st.snapshot = dst
	return dst, false, nil
}

func (u *Upgrader) stepStopServices(ctx context.Context, st *applyState) (string, bool, error) {
	if len(st.services) == 0 {
		return "no services", true, nil
	}
	for _, svc := range st.services {
		if err := u.services.Stop(ctx, svc); err != nil {
			return "", false, fmt.Errorf("stop %s: %w", svc, err)
		}
		st.stopped = append(st.stopped, svc)
	}
	return strings.Join(st.services, ", "), false, nil
}

func (u *Upgrader) stepCopyFiles(_ context.Context, st *applyState) (string, bool, error) {
	n, err := copyTree(st.extracted, st.entry.SkillDir, st.desc.IgnorePaths())
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("%d files", n), false, nil
}

func (u *Upgrader) stepPlatformDeps(ctx context.Context, st *applyState) (string, bool, error) {
	deps := st.desc.PlatformDeps
	if len(deps) == 0 {
		return "none declared", true, nil
	}
	if len(u.cfg.InstallCommand) == 0 {
		return "no installer configured", true, nil
	}
	argv := append(append([]string{}, u.cfg.InstallCommand...), deps...)
	out, err := u.run(ctx, st.entry.SkillDir, argv, u.cfg.DownloadTimeout.Duration())
	if err != nil {
		return "", false, fmt.Errorf("install %s: %w: %s", strings.Join(deps, " "), err, out)
	}
	return strings.Join(deps, ", "), false, nil
}

func (u *Upgrader) stepPostInstall(ctx context.Context, st *applyState) (string, bool, error) {
	hook := st.desc.PostInstall
	if hook == "" {
		return "no hook", true, nil
	}
	argv := []string{"/bin/sh", filepath.Join(st.entry.SkillDir, filepath.FromSlash(hook))}
	out, err := u.run(ctx, st.entry.SkillDir, argv, u.cfg.HookTimeout.Duration())
	if err != nil {
		return "", false, fmt.Errorf("hook %s: %w: %s", hook, err, out)
	}
	return hook, false, nil
}

func (u *Upgrader) stepRecord(_ context.Context, st *applyState) (string, bool, error) {
	m, err := components.BuildManifest(st.entry.SkillDir, st.desc.IgnorePaths())
	if err != nil {
		return "", false, err
	}
	if err := m.Save(filepath.Join(st.entry.SkillDir, components.ManifestName)); err != nil {
		return "", false, err
	}
	if err := u.linkBins(st); err != nil {
		return "", false, err
	}
	st.entry.Version = st.tag
	st.entry.UpgradedAt = u.now().UTC()
	u.reg.Set(st.name, st.entry)
	if err := u.reg.Save(); err != nil {
		return "", false, err
	}
	return fmt.Sprintf("%d files, registry at %s", len(m), st.tag), false, nil
}

func (u *Upgrader) linkBins(st *applyState) error {
	if len(st.desc.Bin) == 0 {
		return nil
	}
	if err := os.MkdirAll(u.binDir, 0o755); err != nil {
		return fmt.Errorf("mkdir bin: %w", err)
	}
	names := slices.Sorted(maps.Keys(st.desc.Bin))
	for _, name := range names {
		target := filepath.Join(st.entry.SkillDir, filepath.FromSlash(st.desc.Bin[name]))
		link := filepath.Join(u.binDir, name)
		_ = os.Remove(link)
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("link %s: %w", name, err)
		}
	}
	st.entry.Bin = filepath.Join(u.binDir, names[0])
	return nil
}

func (u *Upgrader) stepStartServices(ctx context.Context, st *applyState) (string, bool, error) {
	if len(st.services) == 0 {
		return "no services", true, nil
	}
	for _, svc := range st.services {
		if err := u.services.Start(ctx, svc); err != nil {
			return "", false, fmt.Errorf("start %s: %w", svc, err)
		}
	}
	return strings.Join(st.services, ", "), false, nil
}

func (u *Upgrader) stepVerify(ctx context.Context, st *applyState) (string, bool, error) {
	if len(st.services) == 0 {
		return "no services", true, nil
	}
	deadline := time.Now().Add(u.cfg.VerifyTimeout.Duration())
	for _, svc := range st.services {
		for {
			status, err := u.services.Status(ctx, svc)
			if err == nil && status == "online" {
				break
			}
			if time.Now().After(deadline) {
				if err != nil {
					return "", false, fmt.Errorf("%s not online: %w", svc, err)
				}
				return "", false, fmt.Errorf("%s not online: status %q", svc, status)
			}
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(u.statusPoll):
			}
		}
	}
	return "all online", false, nil
}

// rollback replays the snapshot, restores the registry entry and
// restarts whatever step 2 stopped. It stops at the first failing
// rollback step; Performed stays true so the operator knows the install
// dir was touched.
func (u *Upgrader) rollback(ctx context.Context, st *applyState) *RollbackReport {
	rb := &RollbackReport{}
	if st.snapshot == "" {
		return rb
	}
	rb.Performed = true
	u.log.Warn("upgrade: rolling back", "component", st.name, "snapshot", st.snapshot)

	record := func(step string, err error) bool {
		if err != nil {
			rb.Error = fmt.Sprintf("%s: %v", step, err)
			u.log.Error("upgrade: rollback step failed", "component", st.name, "rollback_step", step, "error", err)
			return false
		}
		rb.Steps = append(rb.Steps, step)
		return true
	}

	_, err := copyTree(st.snapshot, st.entry.SkillDir, nil)
	if !record("restore files", err) {
		return rb
	}

	*st.entry = st.before
	u.reg.Set(st.name, st.entry)
	if !record("restore registry", u.reg.Save()) {
		return rb
	}

	if len(st.stopped) > 0 {
		var startErr error
		for _, svc := range st.stopped {
			if err := u.services.Start(ctx, svc); err != nil {
				startErr = fmt.Errorf("start %s: %w", svc, err)
				break
			}
		}
		if !record("restart services", startErr) {
			return rb
		}
	}
	return rb
}

// pruneSnapshots keeps only the most recent snapshots after a
// successful apply. Failed applies never prune, their snapshot is the
// evidence.
func (u *Upgrader) pruneSnapshots(skillDir string) error {
	dir := filepath.Join(skillDir, components.SnapshotDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	keep := u.cfg.KeepSnapshots
	if keep < 1 {
		keep = 1
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names) // timestamp layout sorts chronologically
	for len(names) > keep {
		victim := names[0]
		names = names[1:]
		if err := os.RemoveAll(filepath.Join(dir, victim)); err != nil {
			return err
		}
	}
	return nil
}
