package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/secrets"
)

// NewSecretCommand returns the secret subcommand group.
func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage encrypted values in the supervisor .env",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Encrypt a value and store it under <KEY> in .env",
				ArgsUsage: "<KEY>",
				Action:    runSecretSet,
			},
		},
	}
}

func runSecretSet(_ context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	key := cmd.Args().First()
	if key == "" {
		return cli.Exit("usage: vigil secret set <KEY>", 1)
	}

	keyPath := secrets.KeyPath()
	if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
		if err := secrets.GenerateIdentity(keyPath); err != nil {
			return fmt.Errorf("generate identity: %w", err)
		}
		slog.Info("secret: generated age identity", "path", keyPath)
	}
	identity, err := secrets.LoadIdentity(keyPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	var value string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "value for %s: ", key)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read value: %w", err)
		}
		value = string(raw)
	} else {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read value: %w", err)
		}
		value = strings.TrimRight(string(raw), "\r\n")
	}
	if value == "" {
		return cli.Exit("empty value", 1)
	}

	blob, err := secrets.Encrypt(value, identity.Recipient())
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := secrets.SetEntry(config.DotenvPath(), key, blob); err != nil {
		return fmt.Errorf("update .env: %w", err)
	}
	fmt.Printf("OK: %s stored encrypted in %s\n", key, config.DotenvPath())
	return nil
}
