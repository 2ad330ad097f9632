package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/hsstream/internal/api"
	"github.com/MikeSquared-Agency/hsstream/internal/batcher"
	"github.com/MikeSquared-Agency/hsstream/internal/client"
	"github.com/MikeSquared-Agency/hsstream/internal/config"
	"github.com/MikeSquared-Agency/hsstream/internal/history"
	"github.com/MikeSquared-Agency/hsstream/internal/metrics"
	"github.com/MikeSquared-Agency/hsstream/internal/registry"
	"github.com/MikeSquared-Agency/hsstream/internal/relay"
	"github.com/MikeSquared-Agency/hsstream/internal/session"
	slackalert "github.com/MikeSquared-Agency/hsstream/internal/slack"
	"github.com/MikeSquared-Agency/hsstream/internal/store"
)

type serveFlags struct {
	port         int
	url          string
	model        string
	maxQuestions int
	migrate      bool
}

func newServeCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the classification session API",
		Long:  "Serve the HTTP session API, persist events when DATABASE_URL is set and relay them over NATS when NATS_URL is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			applyServeFlags(cmd, &cfg, f)
			return serve(cfg, f.migrate)
		},
	}

	cmd.Flags().IntVar(&f.port, "port", 0, "HTTP port (default $HSSTREAM_PORT or 8710)")
	cmd.Flags().StringVar(&f.url, "url", "", "Classification service base URL (default $CLASSIFIER_URL)")
	cmd.Flags().StringVar(&f.model, "model", "", "Default model: vertex or groq (default $CLASSIFIER_MODEL)")
	cmd.Flags().IntVar(&f.maxQuestions, "max-questions", 0, "Default question budget per session (default $MAX_QUESTIONS)")
	cmd.Flags().BoolVar(&f.migrate, "migrate", true, "Apply pending schema migrations on startup")

	return cmd
}

// applyServeFlags lets explicitly set flags win over the environment.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, f serveFlags) {
	if cmd.Flags().Changed("port") {
		cfg.Port = f.port
	}
	if cmd.Flags().Changed("url") {
		cfg.ClassifierURL = f.url
	}
	if cmd.Flags().Changed("model") {
		cfg.ClassifierModel = f.model
	}
	if cmd.Flags().Changed("max-questions") {
		cfg.MaxQuestions = f.maxQuestions
	}
}

func defaultOptions(cfg config.Config) session.Options {
	return session.Options{
		Model:           cfg.ClassifierModel,
		NonInteractive:  !cfg.Interactive,
		MaxQuestions:    cfg.MaxQuestions,
		HypothesisCount: cfg.HypothesisCount,
	}
}

func serve(cfg config.Config, runMigrations bool) error {
	defaults := defaultOptions(cfg)
	if err := defaults.Validate(); err != nil {
		return err
	}

	slog.Info("hsstream starting",
		"port", cfg.Port,
		"classifier_url", cfg.ClassifierURL,
		"model", cfg.ClassifierModel,
		"nats_url", cfg.NatsURL,
		"persistence", cfg.DatabaseURL != "",
		"session_ttl", cfg.SessionTTL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsProc := metrics.NewProcessor()
	sinks := []registry.Sink{metricsProc}

	// Persistence is optional: without a database, sessions live only in memory.
	var db store.DataStore
	var bat *batcher.Batcher
	if cfg.DatabaseURL != "" {
		if runMigrations {
			if err := store.Migrate(cfg.DatabaseURL, "up", 0); err != nil {
				return err
			}
		}
		pg, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pg.Close()
		slog.Info("database connected")

		db = pg
		bat = batcher.New(pg, batcher.Config{
			FlushInterval:  cfg.BatchFlushInterval,
			FlushThreshold: cfg.BatchFlushThreshold,
			BufferMax:      cfg.BufferMaxSize,
		}, history.NewProcessor(pg, cfg.SessionTTL))
		bat.Start(ctx)
		sinks = append(sinks, registry.SinkFunc(func(_ context.Context, rec store.EventRecord) {
			bat.Add(rec)
		}))
	}

	var alerter *slackalert.Alerter
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		alerter = slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		sinks = append(sinks, alerter)
		slog.Info("Slack stream failure alerts enabled", "channel", cfg.SlackAlertChannel)
	}

	reg := registry.New(client.New(cfg.ClassifierURL, cfg.ClassifierTimeout), cfg.SessionTTL, sinks...)
	metricsProc.TrackSessions(func() float64 { return float64(reg.Count()) })

	if cfg.NatsURL != "" {
		rl, err := relay.New(cfg.NatsURL)
		if err != nil {
			return err
		}
		defer rl.Close()

		reg.SetPublisher(rl.PublishEvent)
		if bat != nil {
			bat.SetNATSPublisher(rl.Publish)
		}
		if err := rl.Start(reg); err != nil {
			return err
		}
		slog.Info("NATS relay started")

		announcement, _ := json.Marshal(map[string]any{
			"event_type": "service.registered",
			"source":     "hsstream",
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"metadata":   map[string]any{"port": cfg.Port},
		})
		if err := rl.Publish("hsstream.system.registered", announcement); err != nil {
			slog.Warn("failed to publish registration event", "error", err)
		}
	}

	srv := api.NewServer(reg, db, bat, metricsProc.Handler(), defaults, cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	slog.Info("hsstream ready", "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case serveErr = <-errCh:
		slog.Error("HTTP server error", "error", serveErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}

	reg.Close()
	cancel()
	if bat != nil {
		bat.Wait()
	}
	if alerter != nil {
		alerter.Wait()
	}
	slog.Info("hsstream stopped")
	return serveErr
}
