package commands

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/dispatch"
	"github.com/okvist/vigil/internal/events"
	"github.com/okvist/vigil/internal/heartbeat"
	"github.com/okvist/vigil/internal/term"
)

// NewDispatchCommand returns the dispatch subcommand.
func NewDispatchCommand() *cli.Command {
	return &cli.Command{
		Name:   "dispatch",
		Usage:  "Run the queue dispatcher",
		Action: runDispatch,
	}
}

func runDispatch(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	cfg := loadConfig(cmd)

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	files := monitorFiles()
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()
	activityLog := events.NewFileLog(files.ActivityLogPath(), bus)
	defer activityLog.Close()

	hb := heartbeat.NewWriter(files.DispatcherHeartbeatPath(), "dispatcher")
	hb.Start()
	defer hb.Stop()

	session := term.New(cfg.Terminal, cfg.Agent.Session)
	d := dispatch.New(cfg.Dispatcher, store, session, files, bus)

	slog.Info("dispatcher: starting", "db", config.DatabasePath(), "session", cfg.Agent.Session)
	return d.Run(ctx)
}
