// Package channels invokes the external channel adapters that carry
// outbound messages (telegram, mail, ...). Adapters are scripts installed
// under skills/<channel>/scripts/; their exit codes are surfaced
// unchanged so callers can pass them through.
package channels

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrUnknownChannel is returned when no send adapter exists for a channel.
var ErrUnknownChannel = errors.New("channels: no send adapter")

// Invoker resolves and runs channel adapters from a skills directory.
type Invoker struct {
	skillsDir string
	execute   func(ctx context.Context, argv []string) error
}

// NewInvoker creates an Invoker over the given skills directory.
func NewInvoker(skillsDir string) *Invoker {
	return &Invoker{skillsDir: skillsDir, execute: passthroughExec}
}

// Resolve returns the argv prefix that runs the channel's send adapter.
// A node script is preferred; a shell script is the fallback.
func (i *Invoker) Resolve(channel string) ([]string, error) {
	if channel == "" || channel != filepath.Base(channel) {
		return nil, fmt.Errorf("channels: bad channel name %q", channel)
	}
	scripts := filepath.Join(i.skillsDir, channel, "scripts")
	candidates := []struct {
		file string
		argv []string
	}{
		{"send.js", []string{"node"}},
		{"send.sh", []string{"bash"}},
	}
	for _, c := range candidates {
		path := filepath.Join(scripts, c.file)
		if _, err := os.Stat(path); err == nil {
			return append(c.argv, path), nil
		}
	}
	return nil, fmt.Errorf("%w for %q", ErrUnknownChannel, channel)
}

// Send delivers one message through the channel's adapter. The adapter is
// invoked as `<interpreter> <script> [endpoint] <message>`; its exit code
// is preserved in the returned error.
func (i *Invoker) Send(ctx context.Context, channel, endpoint, message string) error {
	argv, err := i.Resolve(channel)
	if err != nil {
		return err
	}
	if endpoint != "" {
		argv = append(argv, endpoint)
	}
	argv = append(argv, message)
	return i.execute(ctx, argv)
}

func passthroughExec(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ExitCode extracts the adapter's exit code from a Send error. ok is false
// when the error carries no exit code (spawn failure, unknown channel).
func ExitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}
