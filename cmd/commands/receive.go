package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/okvist/vigil/internal/channels"
	"github.com/okvist/vigil/internal/heartbeat"
	"github.com/okvist/vigil/internal/queue"
	"github.com/okvist/vigil/internal/status"
)

// monitorStaleAfter is how old the monitor's heartbeat may be before its
// health opinion stops gating inbound messages. Three missed beats.
const monitorStaleAfter = 90 * time.Second

// NewReceiveCommand returns the receive subcommand. Channel-ingest
// processes call it to hand one inbound message to the agent.
func NewReceiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "receive",
		Usage: "Insert one inbound conversation into the queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "channel",
				Usage: "Channel the message arrived on",
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "Channel endpoint (chat id, address)",
			},
			&cli.IntFlag{
				Name:  "priority",
				Usage: "Priority 1..3, 1 is most urgent",
				Value: 3,
			},
			&cli.BoolFlag{
				Name:  "no-reply",
				Usage: "Store the content verbatim, without reply instructions",
			},
			&cli.BoolFlag{
				Name:  "require-idle",
				Usage: "Deliver only when the agent is idle",
			},
			&cli.StringFlag{
				Name:  "content",
				Usage: "Message text",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Machine-readable output",
			},
		},
		Action: runReceive,
	}
}

func runReceive(_ context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	jsonMode := cmd.Bool("json")

	channel := cmd.String("channel")
	if channel == "" {
		return wireFail(jsonMode, "INVALID_ARGS", "--channel is required")
	}
	content := cmd.String("content")
	if content == "" {
		return wireFail(jsonMode, "INVALID_ARGS", "--content is required")
	}
	priority := cmd.Int("priority")
	if priority < 1 || priority > 3 {
		return wireFail(jsonMode, "INVALID_ARGS", fmt.Sprintf("priority must be 1..3, got %d", priority))
	}

	endpoint := cmd.String("endpoint")
	files := monitorFiles()
	if code := healthGate(files); code != "" {
		// Remember the channel so the liveness engine can notify it once
		// the agent is back.
		p := channels.Pending{Channel: channel, Endpoint: endpoint}
		if err := channels.AppendPending(files.PendingChannelsPath(), p); err != nil {
			slog.Warn("receive: record pending channel", "error", err)
		}
		msg := "agent is recovering, message refused; the channel will be notified"
		if code == "HEALTH_DOWN" {
			msg = "agent is down, message refused; the channel will be notified"
		}
		return wireFail(jsonMode, code, msg)
	}

	text := content
	if !cmd.Bool("no-reply") {
		text = composeInbound(channel, endpoint, content)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	conv, err := store.InsertConversation(queue.ConversationInsert{
		Direction:   queue.Inbound,
		Channel:     channel,
		Endpoint:    endpoint,
		Content:     text,
		Priority:    priority,
		RequireIdle: cmd.Bool("require-idle"),
	})
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	if jsonMode {
		printJSON(map[string]any{"ok": true, "id": conv.ID})
	} else {
		fmt.Printf("OK: enqueued conversation %d\n", conv.ID)
	}
	return nil
}

// healthGate returns the wire error code refusing inbound messages, or ""
// when the agent can accept them. The gate only applies while the monitor
// itself is alive; a stale heartbeat means the health file is old opinion.
func healthGate(files status.Files) string {
	st, _, err := heartbeat.Check(files.MonitorHeartbeatPath(), monitorStaleAfter)
	if err != nil || st != heartbeat.StatusAlive {
		return ""
	}
	hs, err := files.Health()
	if err != nil || hs == nil {
		return ""
	}
	switch hs.State {
	case status.HealthDown:
		return "HEALTH_DOWN"
	case status.HealthRecovering, status.HealthRateLimited:
		return "HEALTH_RECOVERING"
	}
	return ""
}

// composeInbound wraps the message with its origin and the exact command
// the agent should run to answer it.
func composeInbound(channel, endpoint, content string) string {
	target := channel
	if endpoint != "" {
		target += " " + endpoint
	}
	var b strings.Builder
	fmt.Fprintf(&b, "New message via %s:\n\n", target)
	b.WriteString(content)
	fmt.Fprintf(&b, "\n\nReply with: vigil send %s \"<message>\"", target)
	return b.String()
}
