package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"MoltChat/internal/chatbot"
	"MoltChat/internal/config"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	configPath string
	apiURL     string
	statePath  string
	logDir     string
	debug      bool
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "moltchat",
		Short: "Terminal chat client for a MoltBot backend",
		Long: `Connects to a MoltBot backend over Socket.IO, registers this
installation's user id and opens an interactive chat.

The connection is kept alive and re-established automatically; the
status line shows when messages can be sent.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}

			bot, err := chatbot.NewChatBot(cfg, version)
			if err != nil {
				return fmt.Errorf("failed to initialize chatbot: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return bot.Run(ctx)
		},
	}

	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", config.DefaultConfigPath, "Path to the TOML config file")
	root.PersistentFlags().StringVar(&f.apiURL, "api-url", "", "Backend base URL (overrides "+config.EnvAPIURL+")")
	root.PersistentFlags().StringVar(&f.statePath, "state", "", "SQLite file holding the user id")
	root.PersistentFlags().StringVar(&f.logDir, "log-dir", "", "Directory for logs, traces and metrics")
	root.PersistentFlags().BoolVar(&f.debug, "debug", false, "Enable debug logging")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Print this installation's user id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			userID, err := chatbot.WhoAmI(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return fmt.Errorf("failed to resolve user id: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), userID)
			return nil
		},
	})

	return root
}

// loadConfig layers flags the user actually set over file and environment
func loadConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	required := cmd.Flags().Changed("config")
	cfg, err := config.Load(f.configPath, required)
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("api-url") {
		cfg.APIURL = f.apiURL
	}
	if cmd.Flags().Changed("state") {
		cfg.StatePath = f.statePath
	}
	if cmd.Flags().Changed("log-dir") {
		cfg.LogDir = f.logDir
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug = f.debug
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
