package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/okvist/vigil/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "vigil",
		Usage: "Keep one autonomous agent alive and fed with work",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewMonitorCommand(),
			NewDispatchCommand(),
			NewReceiveCommand(),
			NewSendCommand(),
			NewControlCommand(),
			NewCheckpointCommand(),
			NewFetchCommand(),
			NewUpgradeCommand(),
			NewContextCommand(),
			NewSecretCommand(),
		},
	}
}
