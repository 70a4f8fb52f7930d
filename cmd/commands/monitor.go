package commands

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/okvist/vigil/internal/channels"
	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/events"
	"github.com/okvist/vigil/internal/heartbeat"
	"github.com/okvist/vigil/internal/liveness"
	"github.com/okvist/vigil/internal/monitor"
	"github.com/okvist/vigil/internal/secrets"
	"github.com/okvist/vigil/internal/term"
)

// NewMonitorCommand returns the monitor subcommand.
func NewMonitorCommand() *cli.Command {
	return &cli.Command{
		Name:   "monitor",
		Usage:  "Run the activity monitor and liveness engine",
		Action: runMonitor,
	}
}

func runMonitor(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	cfg := loadConfig(cmd)

	// Decrypt ENC[age:...] values before the agent session is spawned; the
	// session inherits this process's environment.
	if n, err := secrets.ResolveProcessEnv(secrets.KeyPath()); err != nil {
		slog.Warn("monitor: resolve secrets", "error", err)
	} else if n > 0 {
		slog.Info("monitor: secrets resolved", "count", n)
	}

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

	hb := heartbeat.NewWriter(files.MonitorHeartbeatPath(), "monitor")
	hb.Start()
	defer hb.Stop()

	session := term.New(cfg.Terminal, cfg.Agent.Session)
	invoker := channels.NewInvoker(config.SkillsDir())

	engine, err := liveness.New(cfg.Liveness, liveness.Deps{
		Queue:       store,
		Files:       files,
		KillSession: session.KillSession,
		NotifyChannels: func(ctx context.Context) {
			invoker.NotifyPending(ctx, files.PendingChannelsPath())
		},
		Bus: bus,
	})
	if err != nil {
		return err
	}

	m, err := monitor.New(cfg.Monitor, cfg.Agent, monitor.Deps{
		Session: session,
		Queue:   store,
		Engine:  engine,
		Files:   files,
		Bus:     bus,
		Log:     activityLog,
	})
	if err != nil {
		return err
	}

	slog.Info("monitor: starting", "session", cfg.Agent.Session, "workdir", cfg.Agent.WorkDir)
	return m.Run(ctx)
}
