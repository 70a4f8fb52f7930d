package term

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/okvist/vigil/internal/config"
)

const emptyBoxPane = `some agent output
╭──────────────────────╮
│ >                    │
╰──────────────────────╯`

const filledBoxPane = `some agent output
╭──────────────────────╮
│ > hello world        │
╰──────────────────────╯`

type call struct {
	args  []string
	stdin string
}

// fakeRunner scripts multiplexer responses and records every invocation.
type fakeRunner struct {
	calls   []call
	panes   []string
	paneIdx int
	errFor  map[string]error
}

func (f *fakeRunner) Run(_ context.Context, _ string, args []string, stdin []byte) (string, string, error) {
	f.calls = append(f.calls, call{args: args, stdin: string(stdin)})
	if err, ok := f.errFor[args[0]]; ok {
		return "", "", err
	}
	if args[0] == "capture-pane" {
		pane := ""
		if f.paneIdx < len(f.panes) {
			pane = f.panes[f.paneIdx]
			f.paneIdx++
		}
		return pane, "", nil
	}
	return "", "", nil
}

func (f *fakeRunner) commandNames() []string {
	var names []string
	for _, c := range f.calls {
		names = append(names, c.args[0])
	}
	return names
}

func newTestClient(r Runner) *Client {
	cfg := config.TerminalConfig{
		DeliveryDelayBase:  config.Duration(500 * time.Millisecond),
		DeliveryDelayPerKB: config.Duration(200 * time.Millisecond),
		DeliveryDelayMax:   config.Duration(3 * time.Second),
		EnterVerifyRetries: 3,
		EnterVerifyWait:    config.Duration(time.Second),
	}
	return New(cfg, "vigil-agent", WithRunner(r), WithSleep(func(time.Duration) {}))
}

func TestSendProtocolSequence(t *testing.T) {
	r := &fakeRunner{panes: []string{emptyBoxPane}}
	c := newTestClient(r)

	if err := c.Send(context.Background(), "do the thing\n"); err != nil {
		t.Fatalf("send: %v", err)
	}

	want := []string{"load-buffer", "paste-buffer", "send-keys", "capture-pane", "delete-buffer"}
	got := r.commandNames()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("command sequence = %v, want %v", got, want)
	}

	// Content travels via stdin, trailing newline stripped.
	if r.calls[0].stdin != "do the thing" {
		t.Errorf("load-buffer stdin = %q", r.calls[0].stdin)
	}
	// Paste and load share one buffer name.
	bufArg := func(args []string) string {
		for i, a := range args {
			if a == "-b" && i+1 < len(args) {
				return args[i+1]
			}
		}
		return ""
	}
	if bufArg(r.calls[0].args) == "" || bufArg(r.calls[0].args) != bufArg(r.calls[1].args) {
		t.Errorf("buffer names differ: %v vs %v", r.calls[0].args, r.calls[1].args)
	}
}

func TestSendDismissesGhostTextAndRetries(t *testing.T) {
	// First capture: Enter swallowed, content still in box. Second: cleared.
	r := &fakeRunner{panes: []string{filledBoxPane, emptyBoxPane}}
	c := newTestClient(r)

	if err := c.Send(context.Background(), "hello world"); err != nil {
		t.Fatalf("send: %v", err)
	}

	names := r.commandNames()
	joined := strings.Join(names, " ")
	// Enter, verify, dismiss (send-keys Space BSpace), Enter, verify.
	want := "load-buffer paste-buffer send-keys capture-pane send-keys send-keys capture-pane delete-buffer"
	if joined != want {
		t.Fatalf("sequence = %q, want %q", joined, want)
	}
	dismiss := r.calls[4].args
	if dismiss[len(dismiss)-2] != "Space" || dismiss[len(dismiss)-1] != "BSpace" {
		t.Errorf("ghost dismiss keys = %v", dismiss)
	}
}

func TestSendFailsWhenNeverVerified(t *testing.T) {
	r := &fakeRunner{panes: []string{filledBoxPane, filledBoxPane, filledBoxPane}}
	c := newTestClient(r)

	err := c.Send(context.Background(), "stuck")
	if err != ErrSubmitNotVerified {
		t.Fatalf("err = %v, want ErrSubmitNotVerified", err)
	}
}

func TestSendIndeterminatePaneAssumesSuccess(t *testing.T) {
	r := &fakeRunner{panes: []string{"plain output, no input box"}}
	c := newTestClient(r)

	if err := c.Send(context.Background(), "fire and forget"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	c := newTestClient(&fakeRunner{})
	if err := c.Send(context.Background(), "\n\n"); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestDeliveryDelayScaling(t *testing.T) {
	c := newTestClient(&fakeRunner{})
	tests := []struct {
		bytes int
		want  time.Duration
	}{
		{10, 500 * time.Millisecond},
		{1023, 500 * time.Millisecond},
		{1024, 700 * time.Millisecond},
		{5 * 1024, 1500 * time.Millisecond},
		{1024 * 1024, 3 * time.Second}, // capped
	}
	for _, tc := range tests {
		if got := c.deliveryDelay(tc.bytes); got != tc.want {
			t.Errorf("deliveryDelay(%d) = %v, want %v", tc.bytes, got, tc.want)
		}
	}
}

func TestHasSession(t *testing.T) {
	r := &fakeRunner{}
	c := newTestClient(r)
	ok, err := c.HasSession(context.Background())
	if err != nil || !ok {
		t.Fatalf("has-session = %v, %v; want true", ok, err)
	}

	r.errFor = map[string]error{"has-session": &exec.ExitError{}}
	ok, err = c.HasSession(context.Background())
	if err != nil {
		t.Fatalf("has-session with exit error: %v", err)
	}
	if ok {
		t.Fatal("non-zero exit should mean absent, not error")
	}
}

func TestPanePID(t *testing.T) {
	r := &fakeRunner{}
	c := New(config.TerminalConfig{}, "s", WithRunner(runnerFunc(func(args []string) (string, error) {
		if args[0] == "list-panes" {
			return "4242\n", nil
		}
		return "", nil
	})), WithSleep(func(time.Duration) {}))
	_ = r

	pid, err := c.PanePID(context.Background())
	if err != nil {
		t.Fatalf("pane pid: %v", err)
	}
	if pid != 4242 {
		t.Errorf("pid = %d, want 4242", pid)
	}
}

// runnerFunc adapts a function to the Runner interface for small tests.
type runnerFunc func(args []string) (string, error)

func (f runnerFunc) Run(_ context.Context, _ string, args []string, _ []byte) (string, string, error) {
	out, err := f(args)
	return out, "", err
}

func TestNewSessionArgs(t *testing.T) {
	r := &fakeRunner{}
	c := newTestClient(r)
	if err := c.NewSession(context.Background(), "/work", "claude"); err != nil {
		t.Fatalf("new-session: %v", err)
	}
	got := strings.Join(r.calls[0].args, " ")
	want := "new-session -d -s vigil-agent -c /work claude"
	if got != want {
		t.Errorf("args = %q, want %q", got, want)
	}
}
