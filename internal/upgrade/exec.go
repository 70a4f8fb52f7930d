package upgrade

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/okvist/vigil/internal/config"
)

const serviceTimeout = 30 * time.Second

// commandRunner runs argv in dir with a wall-clock timeout and returns
// the tail of the combined output. Injected so tests stay hermetic.
type commandRunner func(ctx context.Context, dir string, argv []string, timeout time.Duration) (string, error)

func runCommand(ctx context.Context, dir string, argv []string, timeout time.Duration) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("empty command")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if len(out) > 512 {
		out = out[len(out)-512:]
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("timed out after %s", timeout)
	}
	return out, err
}

// execFetcher shells out to the configured commands. The check command
// is invoked as `<argv> <repo>` and must print the latest tag; the
// fetch command as `<argv> <repo> <tag> <dir>` and must leave the
// extracted archive under dir.
type execFetcher struct {
	check   []string
	fetch   []string
	timeout time.Duration
	run     commandRunner
}

func newExecFetcher(cfg config.UpgradeConfig) *execFetcher {
	return &execFetcher{
		check:   cfg.CheckCommand,
		fetch:   cfg.FetchCommand,
		timeout: cfg.DownloadTimeout.Duration(),
		run:     runCommand,
	}
}

func (f *execFetcher) LatestTag(ctx context.Context, repo string) (string, error) {
	if len(f.check) == 0 {
		return "", errors.New("no check command configured")
	}
	argv := append(append([]string{}, f.check...), repo)
	out, err := f.run(ctx, "", argv, f.timeout)
	if err != nil {
		return "", fmt.Errorf("latest tag for %s: %w", repo, err)
	}
	tag := out
	if i := strings.IndexByte(tag, '\n'); i >= 0 {
		tag = tag[:i]
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", fmt.Errorf("latest tag for %s: command printed nothing", repo)
	}
	return tag, nil
}

func (f *execFetcher) Download(ctx context.Context, repo, tag, dir string) (string, error) {
	if len(f.fetch) == 0 {
		return "", errors.New("no fetch command configured")
	}
	argv := append(append([]string{}, f.fetch...), repo, tag, dir)
	if out, err := f.run(ctx, "", argv, f.timeout); err != nil {
		return "", fmt.Errorf("fetch %s@%s: %w: %s", repo, tag, err, out)
	}
	return extractedRoot(dir)
}

// extractedRoot descends into a single top-level directory, the usual
// shape of an unpacked release tarball.
func extractedRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// execServices drives an OS process supervisor through its CLI:
// `<argv> stop|start|status <name>`. The status subcommand must print
// the service's state word on its first output line.
type execServices struct {
	argv []string
	run  commandRunner
}

func newExecServices(argv []string) *execServices {
	return &execServices{argv: argv, run: runCommand}
}

func (s *execServices) Stop(ctx context.Context, name string) error {
	_, err := s.invoke(ctx, "stop", name)
	return err
}

func (s *execServices) Start(ctx context.Context, name string) error {
	_, err := s.invoke(ctx, "start", name)
	return err
}

func (s *execServices) Status(ctx context.Context, name string) (string, error) {
	out, err := s.invoke(ctx, "status", name)
	if err != nil {
		return "", err
	}
	line := out
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return strings.ToLower(strings.TrimSpace(line)), nil
}

func (s *execServices) invoke(ctx context.Context, action, name string) (string, error) {
	if len(s.argv) == 0 {
		return "", errors.New("no service manager configured")
	}
	argv := append(append([]string{}, s.argv...), action, name)
	out, err := s.run(ctx, "", argv, serviceTimeout)
	if err != nil {
		return out, fmt.Errorf("service %s %s: %w", action, name, err)
	}
	return out, nil
}
