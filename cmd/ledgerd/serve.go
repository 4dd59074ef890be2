package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bernard/ledger/config"
	"github.com/bernard/ledger/pkg/api"
	"github.com/bernard/ledger/pkg/api/handlers"
	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/store"
	"github.com/bernard/ledger/pkg/telemetry/tracing"
	"github.com/bernard/ledger/pkg/version"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task workers, the idle sweep and the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.configPath, cfg, log)
		},
	}
}

func serve(ctx context.Context, configPath string, cfg *config.Config, log logger.Logger) error {
	log.Info("starting ledgerd",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return err
	}

	if a.queue != nil {
		a.queue.Run()
	}
	if cfg.Sweep.Enabled {
		a.sweeper.Start(ctx)
	}

	var wg sync.WaitGroup
	if configPath != "" {
		if w, err := a.watchConfig(configPath); err != nil {
			log.Warn("config hot reload unavailable", "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := w.Watch(ctx); err != nil {
					log.Error("config watcher stopped", "error", err)
				}
			}()
		}
	}

	var httpServer *api.HTTPServer
	serverErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		httpServer = api.NewHTTPServer(cfg.HTTP, log, a.handlers())
		go func() {
			if err := httpServer.Start(); err != nil {
				serverErr <- err
			}
		}()
	}

	log.Info("ledgerd is running",
		"http_enabled", cfg.HTTP.Enabled,
		"http_port", cfg.HTTP.Port,
		"queue", cfg.Queue.Type,
		"vector", cfg.Vector.Type,
		"sweep_interval", cfg.Sweep.Interval,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case runErr = <-serverErr:
		log.Error("HTTP server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting down HTTP server", "error", err)
		}
	}
	if err := a.close(shutdownCtx); err != nil {
		log.Error("error closing components", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("error shutting down tracing", "error", err)
	}
	wg.Wait()

	log.Info("ledgerd stopped gracefully")
	return runErr
}

// handlers builds the HTTP handler set for the ops server.
func (a *app) handlers() *api.Handlers {
	h := &api.Handlers{
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"redis": handlers.PingFunc(func(ctx context.Context) error {
				return store.Ping(ctx, a.rdb)
			}),
		}),
		Metrics:        a.metrics,
		MetricsHandler: a.metrics.Handler(),
		MetricsPath:    a.cfg.Metrics.Path,
	}
	h.Ledger = handlers.NewLedgerHandler(a.ledger, a.queue)
	if a.recollector != nil {
		h.Recall = handlers.NewRecallHandler(a.recollector)
	}
	return h
}

// watchConfig applies log level and recall tuning when the file changes.
func (a *app) watchConfig(path string) (*config.Watcher, error) {
	w, err := config.NewWatcher(path, config.NewLoader(), a.cfg, config.WithLogger(a.log))
	if err != nil {
		return nil, err
	}
	w.OnLiveChange(func(prev, next config.LiveSettings) {
		if next.LogLevel != prev.LogLevel {
			a.log.SetLevel(logger.ParseLevel(next.LogLevel))
		}
		if a.recollector != nil && (next.RecallLambda != prev.RecallLambda || next.RecallLimit != prev.RecallLimit) {
			a.recollector.Tune(next.RecallLambda, next.RecallLimit)
		}
	})
	return w, nil
}
