// chatctl is the operator CLI for chatpipe. It drives the conversation
// engine and the voice recorder against a PostgreSQL backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"chatpipe/internal/config"
	"chatpipe/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	envFile    string
	logLevel   string

	// state is filled by the root PersistentPreRunE.
	state *app
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Send, receive and inspect chatpipe conversations",
	Long: `chatctl talks to the chatpipe PostgreSQL backend. Sends are optimistic:
the message is shown as sending at once and reconciled with the row the
backend pushes back.

Configuration is read from --config (TOML or YAML), then CHATPIPE_*
environment variables, which may come from a .env file.`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if state == nil {
			return nil
		}
		return state.close()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file path (default: platform config dir)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file with CHATPIPE_* variables")
	flags.StringVar(&logLevel, "log-level", "", "override the configured log level")
}

func setup(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg, err := cfg.Logging.ToLogging()
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	state, err = newApp(cmd.Context(), cfg, logger)
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if state != nil {
			_ = state.close()
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
