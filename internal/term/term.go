// Package term drives the detached terminal multiplexer session that
// hosts the agent. All interaction goes through the multiplexer binary:
// content is staged in a named paste buffer (never argv), pasted into the
// pane, and submitted with a verified Enter.
package term

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/okvist/vigil/internal/config"
)

// ErrNoSession is returned when the agent session does not exist.
var ErrNoSession = errors.New("term: session not found")

// Runner executes one multiplexer command. Injected so tests can script
// the multiplexer without a terminal.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte) (stdout string, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, stdin []byte) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Client talks to one multiplexer session.
type Client struct {
	bin     string
	session string
	run     Runner
	sleep   func(time.Duration)
	diag    string // capture dump for unverifiable submits

	delayBase    time.Duration
	delayPerKB   time.Duration
	delayMax     time.Duration
	enterRetries int
	enterWait    time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithRunner replaces the command runner (tests).
func WithRunner(r Runner) Option {
	return func(c *Client) { c.run = r }
}

// WithSleep replaces the delay function (tests).
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithDiagnostics records pane captures that could not be verified to the
// given file, for postmortem inspection.
func WithDiagnostics(path string) Option {
	return func(c *Client) { c.diag = path }
}

// New creates a Client for the named session using the terminal settings.
func New(cfg config.TerminalConfig, session string, opts ...Option) *Client {
	c := &Client{
		bin:          cfg.Binary,
		session:      session,
		run:          execRunner{},
		sleep:        time.Sleep,
		delayBase:    cfg.DeliveryDelayBase.Duration(),
		delayPerKB:   cfg.DeliveryDelayPerKB.Duration(),
		delayMax:     cfg.DeliveryDelayMax.Duration(),
		enterRetries: cfg.EnterVerifyRetries,
		enterWait:    cfg.EnterVerifyWait.Duration(),
	}
	if c.bin == "" {
		c.bin = "tmux"
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Session returns the session name this client drives.
func (c *Client) Session() string { return c.session }

// HasSession reports whether the session exists. A non-zero exit from
// has-session means absent, not failure.
func (c *Client) HasSession(ctx context.Context) (bool, error) {
	_, _, err := c.run.Run(ctx, c.bin, []string{"has-session", "-t", c.session}, nil)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("term has-session: %w", err)
}

// NewSession creates the detached session running command in workdir.
func (c *Client) NewSession(ctx context.Context, workdir, command string) error {
	args := []string{"new-session", "-d", "-s", c.session}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	if command != "" {
		args = append(args, command)
	}
	if _, stderr, err := c.run.Run(ctx, c.bin, args, nil); err != nil {
		return fmt.Errorf("term new-session: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

// KillSession tears the session down. Absent session is not an error.
func (c *Client) KillSession(ctx context.Context) error {
	_, stderr, err := c.run.Run(ctx, c.bin, []string{"kill-session", "-t", c.session}, nil)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return fmt.Errorf("term kill-session: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

// CapturePane returns the visible pane text.
func (c *Client) CapturePane(ctx context.Context) (string, error) {
	stdout, stderr, err := c.run.Run(ctx, c.bin, []string{"capture-pane", "-t", c.session, "-p"}, nil)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", ErrNoSession
		}
		return "", fmt.Errorf("term capture-pane: %w: %s", err, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

// PanePID returns the pid of the process running in the session's pane.
func (c *Client) PanePID(ctx context.Context) (int, error) {
	stdout, stderr, err := c.run.Run(ctx, c.bin,
		[]string{"list-panes", "-t", c.session, "-F", "#{pane_pid}"}, nil)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, ErrNoSession
		}
		return 0, fmt.Errorf("term list-panes: %w: %s", err, strings.TrimSpace(stderr))
	}
	line := strings.TrimSpace(stdout)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("term pane pid %q: %w", line, err)
	}
	return pid, nil
}

// SessionActivity returns the multiplexer's last-activity timestamp for the
// session.
func (c *Client) SessionActivity(ctx context.Context) (time.Time, error) {
	stdout, stderr, err := c.run.Run(ctx, c.bin,
		[]string{"display-message", "-p", "-t", c.session, "#{session_activity}"}, nil)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return time.Time{}, ErrNoSession
		}
		return time.Time{}, fmt.Errorf("term display-message: %w: %s", err, strings.TrimSpace(stderr))
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(stdout), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("term session activity %q: %w", strings.TrimSpace(stdout), err)
	}
	return time.Unix(sec, 0), nil
}

// SendKeys sends raw key names (tmux key syntax) to the pane.
func (c *Client) SendKeys(ctx context.Context, keys ...string) error {
	args := append([]string{"send-keys", "-t", c.session}, keys...)
	if _, stderr, err := c.run.Run(ctx, c.bin, args, nil); err != nil {
		return fmt.Errorf("term send-keys: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (c *Client) loadBuffer(ctx context.Context, name string, content []byte) error {
	// Content travels over stdin; argv would mangle newlines and quoting.
	if _, stderr, err := c.run.Run(ctx, c.bin, []string{"load-buffer", "-b", name, "-"}, content); err != nil {
		return fmt.Errorf("term load-buffer: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (c *Client) pasteBuffer(ctx context.Context, name string) error {
	if _, stderr, err := c.run.Run(ctx, c.bin, []string{"paste-buffer", "-p", "-t", c.session, "-b", name}, nil); err != nil {
		return fmt.Errorf("term paste-buffer: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (c *Client) deleteBuffer(ctx context.Context, name string) {
	// Best effort; a leaked buffer is harmless and overwritten next send.
	_, _, _ = c.run.Run(ctx, c.bin, []string{"delete-buffer", "-b", name}, nil)
}
