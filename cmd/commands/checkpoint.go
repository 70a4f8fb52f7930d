package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
)

// NewCheckpointCommand returns the checkpoint subcommand group.
func NewCheckpointCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkpoint",
		Usage: "Manage summarisation checkpoints",
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Record that conversations up to <end_id> are summarised",
				ArgsUsage: "<end_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "summary", Usage: "Summary text"},
				},
				Action: runCheckpointCreate,
			},
			{
				Name:   "latest",
				Usage:  "Show the most recent checkpoint",
				Action: runCheckpointLatest,
			},
			{
				Name:  "list",
				Usage: "List checkpoints, newest first",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Usage: "Maximum rows", Value: 10},
				},
				Action: runCheckpointList,
			},
		},
	}
}

func runCheckpointCreate(_ context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	raw := cmd.Args().First()
	if raw == "" {
		return cli.Exit("usage: vigil checkpoint create <end_id>", 1)
	}
	endID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid end id %q", raw), 1)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cp, err := store.CreateCheckpoint(endID, cmd.String("summary"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("OK: checkpoint %d covers %d..%d\n", cp.ID, cp.StartID, cp.EndID)
	return nil
}

func runCheckpointLatest(_ context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cp, err := store.LastCheckpoint()
	if err != nil {
		return fmt.Errorf("latest checkpoint: %w", err)
	}
	if cp == nil {
		fmt.Println("no checkpoints")
		return nil
	}
	fmt.Printf("#%d %d..%d at %s\n", cp.ID, cp.StartID, cp.EndID, cp.Created.Format(time.RFC3339))
	if cp.Summary != "" {
		fmt.Println(cp.Summary)
	}
	return nil
}

func runCheckpointList(_ context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cps, err := store.ListCheckpoints(cmd.Int("limit"))
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	if len(cps) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}
	for _, cp := range cps {
		fmt.Printf("#%d %d..%d at %s  %s\n",
			cp.ID, cp.StartID, cp.EndID, cp.Created.Format(time.RFC3339), firstLine(cp.Summary))
	}
	return nil
}

// firstLine truncates a summary to something that fits a listing row.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 80
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
