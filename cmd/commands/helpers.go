package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/queue"
	"github.com/okvist/vigil/internal/status"
)

// setupLogging switches the default handler to debug level when --debug
// is set on the root command.
func setupLogging(cmd *cli.Command) {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
}

// loadConfig reads the config file named by --config, falling back to
// defaults when it does not exist yet.
func loadConfig(cmd *cli.Command) *config.Config {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", path, "error", err)
		cfg = config.Default()
	}
	return cfg
}

// openStore opens the queue database under the install root.
func openStore() (*queue.Store, error) {
	return queue.Open(config.DatabasePath())
}

// monitorFiles locates the shared state files. These files are the only
// coupling between the CLI, the dispatcher and the monitor.
func monitorFiles() status.Files {
	return status.Files{Dir: config.MonitorDir()}
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// printJSON writes one compact JSON document to stdout.
func printJSON(v any) {
	out, err := json.Marshal(v)
	if err != nil {
		fmt.Println(`{"ok":false,"error":{"code":"INTERNAL","message":"encode response"}}`)
		return
	}
	fmt.Println(string(out))
}

// wireFail reports a wire-contract failure: structured JSON on stdout in
// --json mode, one line on stderr otherwise. Exit code is always 1.
func wireFail(jsonMode bool, code, message string) error {
	if jsonMode {
		printJSON(map[string]any{"ok": false, "error": wireError{Code: code, Message: message}})
		return cli.Exit("", 1)
	}
	return cli.Exit(fmt.Sprintf("%s: %s", code, message), 1)
}
