package channels

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeAdapter(t *testing.T, skills, channel, script string) string {
	t.Helper()
	dir := filepath.Join(skills, channel, "scripts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, script)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write adapter: %v", err)
	}
	return path
}

func TestResolvePrefersNodeAdapter(t *testing.T) {
	skills := t.TempDir()
	js := writeAdapter(t, skills, "telegram", "send.js")
	writeAdapter(t, skills, "telegram", "send.sh")

	inv := NewInvoker(skills)
	argv, err := inv.Resolve("telegram")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"node", js}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
}

func TestResolveShellFallback(t *testing.T) {
	skills := t.TempDir()
	sh := writeAdapter(t, skills, "mail", "send.sh")

	inv := NewInvoker(skills)
	argv, err := inv.Resolve("mail")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"bash", sh}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
}

func TestResolveUnknownChannel(t *testing.T) {
	inv := NewInvoker(t.TempDir())
	if _, err := inv.Resolve("nope"); err == nil {
		t.Fatal("expected an error for a channel without an adapter")
	}
}

func TestResolveRejectsPathTraversal(t *testing.T) {
	inv := NewInvoker(t.TempDir())
	for _, bad := range []string{"", "../etc", "a/b"} {
		if _, err := inv.Resolve(bad); err == nil {
			t.Fatalf("Resolve(%q): expected an error", bad)
		}
	}
}

func TestSendPassesEndpointAndMessage(t *testing.T) {
	skills := t.TempDir()
	js := writeAdapter(t, skills, "telegram", "send.js")

	inv := NewInvoker(skills)
	var got []string
	inv.execute = func(ctx context.Context, argv []string) error {
		got = argv
		return nil
	}

	if err := inv.Send(context.Background(), "telegram", "chat:42", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := []string{"node", js, "chat:42", "hello"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("argv = %v, want %v", got, want)
	}

	// Without an endpoint, the message is the only trailing arg.
	if err := inv.Send(context.Background(), "telegram", "", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want = []string{"node", js, "hi"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("argv = %v, want %v", got, want)
	}
}

func TestPendingAppendAndDrain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-channels.jsonl")

	entries := []Pending{
		{Channel: "telegram", Endpoint: "chat:1"},
		{Channel: "mail", Endpoint: "ops@example.com"},
		{Channel: "telegram", Endpoint: "chat:1"}, // duplicate
		{Channel: "telegram", Endpoint: "chat:2"},
	}
	for _, p := range entries {
		if err := AppendPending(path, p); err != nil {
			t.Fatalf("AppendPending: %v", err)
		}
	}

	got, err := DrainPending(path)
	if err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	want := []Pending{
		{Channel: "telegram", Endpoint: "chat:1"},
		{Channel: "mail", Endpoint: "ops@example.com"},
		{Channel: "telegram", Endpoint: "chat:2"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("drained = %v, want %v", got, want)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pending file not removed after drain")
	}

	again, err := DrainPending(path)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second drain returned %v, want nothing", again)
	}
}

func TestDrainSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-channels.jsonl")
	content := `{"channel":"telegram","endpoint":"chat:1"}
not json
{"endpoint":"missing-channel"}
{"channel":"mail"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := DrainPending(path)
	if err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	want := []Pending{{Channel: "telegram", Endpoint: "chat:1"}, {Channel: "mail"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("drained = %v, want %v", got, want)
	}
}

func TestNotifyPendingSendsToEachChannel(t *testing.T) {
	skills := t.TempDir()
	writeAdapter(t, skills, "telegram", "send.js")
	writeAdapter(t, skills, "mail", "send.sh")

	path := filepath.Join(t.TempDir(), "pending-channels.jsonl")
	for _, p := range []Pending{
		{Channel: "telegram", Endpoint: "chat:1"},
		{Channel: "mail"},
		{Channel: "ghost"}, // no adapter; must not stop the others
	} {
		if err := AppendPending(path, p); err != nil {
			t.Fatalf("AppendPending: %v", err)
		}
	}

	inv := NewInvoker(skills)
	var calls [][]string
	inv.execute = func(ctx context.Context, argv []string) error {
		calls = append(calls, argv)
		return nil
	}

	inv.NotifyPending(context.Background(), path)
	if len(calls) != 2 {
		t.Fatalf("adapter calls = %d, want 2", len(calls))
	}
	for _, argv := range calls {
		if argv[len(argv)-1] != recoveryNotice {
			t.Fatalf("message = %q, want the recovery notice", argv[len(argv)-1])
		}
	}
}
