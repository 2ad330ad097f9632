package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/hsstream/internal/config"
)

var Version = "dev"

func NewRootCmd() *cobra.Command {
	var logLevel string
	var envFile string

	root := &cobra.Command{
		Use:   "hsstream",
		Short: "HS code classification stream engine",
		Long:  "hsstream drives streaming HS code classifications, reconstructs their decision path and serves them over HTTP.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			if logLevel == "" {
				logLevel = config.Load().LogLevel
			}
			setupLogging(cmd.ErrOrStderr(), logLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (default $LOG_LEVEL)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before reading configuration")

	root.AddCommand(
		newServeCmd(),
		newClassifyCmd(),
		newMigrateCmd(),
	)

	root.Version = Version
	root.SetVersionTemplate(fmt.Sprintf("hsstream %s\n", Version))

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(w io.Writer, level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
