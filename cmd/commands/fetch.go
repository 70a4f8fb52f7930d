package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
)

// NewFetchCommand returns the fetch subcommand. The agent runs it to pull
// conversation history for summarisation.
func NewFetchCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Export conversations for summarisation",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "unsummarized",
				Usage: "Everything past the last checkpoint",
			},
			&cli.IntFlag{Name: "begin", Usage: "First conversation id"},
			&cli.IntFlag{Name: "end", Usage: "Last conversation id"},
		},
		Action: runFetch,
	}
}

func runFetch(_ context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var begin, end int64
	if cmd.Bool("unsummarized") {
		r, err := store.UnsummarizedRange()
		if err != nil {
			return fmt.Errorf("unsummarized range: %w", err)
		}
		if r.Count == 0 {
			fmt.Println("nothing to summarise")
			return nil
		}
		begin, end = r.BeginID, r.EndID
	} else {
		begin, end = int64(cmd.Int("begin")), int64(cmd.Int("end"))
		if begin <= 0 || end < begin {
			return cli.Exit("pass --unsummarized or --begin and --end", 1)
		}
	}

	// Lead with the rolling summary so the agent has prior context before
	// the raw items.
	cp, err := store.LastCheckpoint()
	if err != nil {
		return fmt.Errorf("last checkpoint: %w", err)
	}
	if cp != nil && cp.Summary != "" {
		fmt.Printf("Summary up to #%d:\n%s\n\n", cp.EndID, cp.Summary)
	}

	items, err := store.ConversationsByRange(begin, end)
	if err != nil {
		return fmt.Errorf("conversations %d..%d: %w", begin, end, err)
	}
	for _, c := range items {
		target := c.Channel
		if c.Endpoint != "" {
			target += "/" + c.Endpoint
		}
		fmt.Printf("--- #%d %s %s at %s\n%s\n",
			c.ID, c.Direction, target, c.CreatedAt.Format(time.RFC3339), c.Content)
	}
	return nil
}
