package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/api"
	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/graph"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/timer"
	"github.com/c360studio/semflow/topic"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger()

			cfg, err := loadServeConfig(opts)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override the configured listen address")
	return cmd
}

func loadServeConfig(opts *rootOptions) (*config.Config, error) {
	if opts.configPath != "" {
		cfg, err := config.LoadFromFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(opts.logger()).Load()
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(cfg.Store.Dir, logger)
	if err := st.LoadAll(); err != nil {
		return fmt.Errorf("restore snapshots: %w", err)
	}

	topics := topic.NewRegistry()
	if cfg.Handlers.Dir != "" {
		loader := topic.NewLoader(topics, http.DefaultClient, cfg.Handlers.DefaultTimeout, cfg.Handlers.MaxRetries, logger)
		n, err := loader.LoadDir(cfg.Handlers.Dir)
		if err != nil {
			return fmt.Errorf("load handler descriptors: %w", err)
		}
		logger.Info("Handler descriptors loaded", "dir", cfg.Handlers.Dir, "count", n)
		if cfg.Handlers.Watch {
			go func() {
				if err := loader.Watch(ctx, cfg.Handlers.Dir); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("Handler descriptor watch stopped", "error", err)
				}
			}()
		}
	}

	mirror := graph.NewPublisher(nil)
	if cfg.NATS.URL != "" {
		client, err := natsclient.NewClient(cfg.NATS.URL,
			natsclient.WithName("semflow"),
			natsclient.WithMaxReconnects(-1),
			natsclient.WithReconnectWait(time.Second),
		)
		if err != nil {
			return fmt.Errorf("create NATS client: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer client.Close(ctx)
		mirror = graph.NewPublisher(client)
		logger.Info("Knowledge graph mirror enabled", "url", cfg.NATS.URL)
	}

	sched := timer.New(st.Timers(), cfg.Timers.LeaseTTL, cfg.Timers.MaxAttempts)
	m := metrics.New()
	eng := engine.New(st, topics, sched, mirror, m, engine.Options{
		ScriptTasksEnabled: cfg.Engine.ScriptTasksEnabled,
		MaxWorkers:         cfg.Engine.MaxConcurrentWorkers,
		VariableMaxBytes:   cfg.Engine.VariableMaxBytes,
	}, logger)

	svc := api.New(eng, st, topics, m, api.Options{
		HandlerTimeout: cfg.Handlers.DefaultTimeout,
		HandlerRetries: cfg.Handlers.MaxRetries,
	}, logger)
	mux := http.NewServeMux()
	svc.Register(mux)

	server := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: mux,
	}

	worker := "worker-" + uuid.NewString()
	go pollTimers(ctx, eng, cfg.Timers.PollInterval, worker, logger)
	if cfg.Store.Dir != "" {
		go snapshotLoop(ctx, st, cfg.Store.SnapshotInterval, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", cfg.Server.Listen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Forced server close", "error", err)
	}
	if cfg.Store.Dir != "" {
		if err := st.SaveAll(); err != nil {
			logger.Error("Final snapshot failed", "error", err)
		}
	}
	return nil
}

// pollTimers drives due timer jobs on a fixed cadence. Each tick recovers
// expired leases and fires what is claimable.
func pollTimers(ctx context.Context, eng *engine.Engine, interval time.Duration, worker string, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fired, err := eng.RunDueTimers(ctx, now, worker)
			if err != nil {
				logger.Warn("Timer poll failed", "error", err)
				continue
			}
			if fired > 0 {
				logger.Debug("Timers fired", "count", fired)
			}
		}
	}
}

// snapshotLoop persists the graphs periodically.
func snapshotLoop(ctx context.Context, st *store.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.SaveAll(); err != nil {
				logger.Warn("Snapshot failed", "error", err)
			}
		}
	}
}
