package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/okvist/vigil/internal/components"
	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/events"
	"github.com/okvist/vigil/internal/upgrade"
)

// NewUpgradeCommand returns the upgrade subcommand.
func NewUpgradeCommand() *cli.Command {
	return &cli.Command{
		Name:      "upgrade",
		Usage:     "Check for and apply component upgrades",
		ArgsUsage: "[<component>]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Upgrade every installed component",
			},
			&cli.BoolFlag{
				Name:  "check",
				Usage: "Only report available versions",
			},
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Skip the confirmation prompt",
			},
			&cli.StringFlag{
				Name:  "tag",
				Usage: "Install a specific tag instead of latest",
			},
		},
		Action: runUpgrade,
	}
}

func runUpgrade(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	cfg := loadConfig(cmd)

	reg, err := components.LoadRegistry(config.RegistryPath())
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	var names []string
	switch {
	case cmd.Bool("all"):
		names = reg.Names()
	case cmd.Args().First() != "":
		names = []string{cmd.Args().First()}
	default:
		return cli.Exit("usage: vigil upgrade <component> | --all", 1)
	}
	if len(names) == 0 {
		fmt.Println("no components installed")
		return nil
	}

	files := monitorFiles()
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()
	activityLog := events.NewFileLog(files.ActivityLogPath(), bus)
	defer activityLog.Close()

	up := upgrade.New(cfg.Upgrade, config.VigilPath(), upgrade.Deps{
		Registry: reg,
		Bus:      bus,
	})

	if cmd.Bool("check") {
		var errs []error
		for _, name := range names {
			res, err := up.Check(ctx, name)
			if err != nil {
				fmt.Printf("%s: check failed: %v\n", name, err)
				errs = append(errs, err)
				continue
			}
			if res.HasUpdate {
				fmt.Printf("%s: %s -> %s\n", name, res.Current, res.Latest)
			} else {
				fmt.Printf("%s: %s (up to date)\n", name, res.Current)
			}
		}
		return errors.Join(errs...)
	}

	opts := upgrade.Options{
		Tag:    cmd.String("tag"),
		OnStep: printStep,
	}
	// Scheduled runs (--yes, or no terminal) never block on a prompt.
	if !cmd.Bool("yes") && term.IsTerminal(int(os.Stdin.Fd())) {
		opts.Confirm = confirmUpgrade
	}

	var errs []error
	for _, name := range names {
		report, err := up.Apply(ctx, name, opts)
		switch {
		case errors.Is(err, upgrade.ErrAborted):
			fmt.Printf("%s: aborted\n", name)
		case errors.Is(err, upgrade.ErrLocked):
			fmt.Printf("%s: another upgrade is already running\n", name)
			errs = append(errs, err)
		case err != nil:
			fmt.Printf("%s: FAILED: %v\n", name, err)
			if report != nil && report.Rollback != nil && report.Rollback.Performed {
				fmt.Printf("%s: rolled back to %s\n", name, report.From)
			}
			errs = append(errs, err)
		case report.From == report.To:
			fmt.Printf("%s: %s (up to date)\n", name, report.From)
		default:
			fmt.Printf("%s: upgraded %s -> %s\n", name, report.From, report.To)
		}
	}
	return errors.Join(errs...)
}

func printStep(sr upgrade.StepResult) {
	switch sr.Status {
	case "skipped":
		fmt.Printf("  [%d/%d] %s: skipped (%s)\n", sr.Step, sr.Total, sr.Name, sr.Message)
	case "failed":
		fmt.Printf("  [%d/%d] %s: FAILED: %s\n", sr.Step, sr.Total, sr.Name, sr.Error)
	default:
		msg := sr.Message
		if msg == "" {
			msg = "done"
		}
		fmt.Printf("  [%d/%d] %s: %s\n", sr.Step, sr.Total, sr.Name, msg)
	}
}

// confirmUpgrade shows the analysis and asks before anything is touched.
func confirmUpgrade(a *upgrade.Analysis) (bool, error) {
	if !a.Changes.Empty() {
		fmt.Println("local modifications detected:")
		for _, p := range a.Changes.Modified {
			fmt.Printf("  modified: %s\n", p)
		}
		for _, p := range a.Changes.Added {
			fmt.Printf("  added:    %s\n", p)
		}
		for _, p := range a.Changes.Deleted {
			fmt.Printf("  deleted:  %s\n", p)
		}
	}
	if a.Diff != "" {
		fmt.Println(a.Diff)
	}
	if a.Changelog != "" {
		fmt.Println(a.Changelog)
	}
	if a.Evaluation != "" {
		fmt.Println(a.Evaluation)
	}
	fmt.Print("proceed with upgrade? [y/N] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
