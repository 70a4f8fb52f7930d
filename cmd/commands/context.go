package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/okvist/vigil/internal/status"
)

// NewContextCommand returns the context subcommand group. The monitor's
// hourly check asks the agent to run `context report`; the follow-up
// reads the recorded value back.
func NewContextCommand() *cli.Command {
	return &cli.Command{
		Name:  "context",
		Usage: "Agent context-window reporting",
		Commands: []*cli.Command{
			{
				Name:  "report",
				Usage: "Record the agent's context-window usage",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "percent",
						Usage: "Usage percentage 0..100",
						Value: -1,
					},
				},
				Action: runContextReport,
			},
		},
	}
}

func runContextReport(_ context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	pct := cmd.Int("percent")
	if pct < 0 || pct > 100 {
		return cli.Exit("--percent must be 0..100", 1)
	}

	files := monitorFiles()
	cs, err := files.ContextState()
	if err != nil {
		return fmt.Errorf("read context state: %w", err)
	}
	if cs == nil {
		cs = &status.ContextState{}
	}
	// Only the reported value changes; the check and follow-up stamps
	// belong to the monitor.
	cs.UsagePct = pct
	if err := files.WriteContextState(cs); err != nil {
		return fmt.Errorf("write context state: %w", err)
	}
	fmt.Printf("OK: context usage recorded at %d%%\n", pct)
	return nil
}
