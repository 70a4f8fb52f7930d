package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/okvist/vigil/internal/queue"
)

// NewControlCommand returns the control subcommand group.
func NewControlCommand() *cli.Command {
	return &cli.Command{
		Name:  "control",
		Usage: "Manage control queue items",
		Commands: []*cli.Command{
			{
				Name:  "enqueue",
				Usage: "Append a control item",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "content",
						Usage: "Instruction text; __CONTROL_ID__ is replaced with the assigned id",
					},
					&cli.IntFlag{
						Name:  "priority",
						Usage: "Priority, 0 is most urgent",
						Value: 1,
					},
					&cli.BoolFlag{
						Name:  "require-idle",
						Usage: "Deliver only when the agent is idle",
					},
					&cli.BoolFlag{
						Name:  "bypass-state",
						Usage: "Deliver even while the agent is not accepting work",
					},
					&cli.IntFlag{
						Name:  "ack-deadline",
						Usage: "Seconds until an unacked item times out",
					},
					&cli.IntFlag{
						Name:  "available-in",
						Usage: "Seconds before the item becomes claimable",
					},
				},
				Action: runControlEnqueue,
			},
			{
				Name:   "get",
				Usage:  "Show a control item's status",
				Flags:  []cli.Flag{&cli.IntFlag{Name: "id", Usage: "Control item id"}},
				Action: runControlGet,
			},
			{
				Name:   "ack",
				Usage:  "Acknowledge a control item",
				Flags:  []cli.Flag{&cli.IntFlag{Name: "id", Usage: "Control item id"}},
				Action: runControlAck,
			},
		},
	}
}

func runControlEnqueue(_ context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	content := cmd.String("content")
	if content == "" {
		return cli.Exit("--content is required", 1)
	}

	ins := queue.ControlInsert{
		Content:     content,
		Priority:    cmd.Int("priority"),
		RequireIdle: cmd.Bool("require-idle"),
		BypassState: cmd.Bool("bypass-state"),
	}
	now := time.Now()
	if sec := cmd.Int("ack-deadline"); sec > 0 {
		ins.AckDeadline = now.Add(time.Duration(sec) * time.Second)
	}
	if sec := cmd.Int("available-in"); sec > 0 {
		ins.AvailableAt = now.Add(time.Duration(sec) * time.Second)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := store.InsertControl(ins)
	if err != nil {
		return fmt.Errorf("enqueue control: %w", err)
	}
	fmt.Printf("OK: enqueued control %d\n", c.ID)
	return nil
}

func runControlGet(_ context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	id := int64(cmd.Int("id"))
	if id <= 0 {
		return cli.Exit("--id is required", 1)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	// Sweep first so a deadline that passed while nobody was looking is
	// reported as timeout, not pending.
	if _, err := store.ExpireTimedOutControls(time.Now()); err != nil {
		return fmt.Errorf("sweep timeouts: %w", err)
	}

	c, err := store.GetControl(id)
	if errors.Is(err, queue.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("control %d not found", id), 1)
	}
	if err != nil {
		return fmt.Errorf("get control: %w", err)
	}
	fmt.Printf("status=%s\n", c.Status)
	return nil
}

func runControlAck(_ context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	id := int64(cmd.Int("id"))
	if id <= 0 {
		return cli.Exit("--id is required", 1)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := store.AckControl(id, time.Now())
	if err != nil {
		return fmt.Errorf("ack control: %w", err)
	}
	if !res.Found {
		return cli.Exit(fmt.Sprintf("control %d not found", id), 1)
	}
	if res.AlreadyFinal {
		fmt.Printf("OK: control %d already in final state (%s)\n", id, res.Status)
		return nil
	}
	fmt.Printf("OK: control %d marked as %s\n", id, res.Status)
	return nil
}
