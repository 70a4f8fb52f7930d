package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/okvist/vigil/internal/channels"
	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/queue"
)

// NewSendCommand returns the send subcommand. The agent calls it to push
// an outbound message through a channel adapter.
func NewSendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send an outbound message through a channel adapter",
		ArgsUsage: `<channel> [<endpoint>] "<message>"`,
		Action:    runSend,
	}
}

func runSend(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd)

	args := cmd.Args().Slice()
	if len(args) == 0 {
		return cli.Exit(`usage: vigil send <channel> [<endpoint>] "<message>"`, 1)
	}
	channel := args[0]
	var endpoint, message string
	haveMessage := false
	switch len(args) {
	case 1:
	case 2:
		message, haveMessage = args[1], true
	default:
		endpoint = args[1]
		message, haveMessage = args[2], true
	}

	// No message argument (or "-") reads the body from stdin, so the agent
	// can pipe multi-line replies without shell quoting trouble.
	if !haveMessage || message == "-" {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "reading message from stdin, end with ctrl-d")
		}
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		return cli.Exit("empty message", 1)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	// Audit row first: the conversation history must show the reply even
	// when the adapter fails.
	if _, err := store.InsertConversation(queue.ConversationInsert{
		Direction: queue.Outbound,
		Channel:   channel,
		Endpoint:  endpoint,
		Content:   message,
	}); err != nil {
		return fmt.Errorf("record outbound: %w", err)
	}

	invoker := channels.NewInvoker(config.SkillsDir())
	if err := invoker.Send(ctx, channel, endpoint, message); err != nil {
		if code, ok := channels.ExitCode(err); ok {
			slog.Error("send: adapter failed", "channel", channel, "code", code, "error", err)
			return cli.Exit("", code)
		}
		return fmt.Errorf("send via %s: %w", channel, err)
	}
	return nil
}
