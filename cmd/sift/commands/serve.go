package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/sift/ai/embedder"
	"github.com/teranos/sift/ai/openrouter"
	"github.com/teranos/sift/am"
	"github.com/teranos/sift/db"
	"github.com/teranos/sift/engine"
	"github.com/teranos/sift/logger"
	"github.com/teranos/sift/pulse"
	"github.com/teranos/sift/report"
	"github.com/teranos/sift/server"
	sig "github.com/teranos/sift/signal"
)

// ServeCmd starts the sift server: HTTP API, WebSocket job stream, and the
// pulse worker pool that executes assignment and finalization runs.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sift server (API + job workers)",
	Long: `Start the sift server.

Runs the HTTP API for signal intake and report queries, the WebSocket job
stream, and the background worker pool that processes assignment and
finalization jobs.

The server requires:
- An OpenRouter API key (SIFT_OPENROUTER_API_KEY) for judge calls
- An embedding endpoint (embedder.base_url) for semantic search

Engine tunables in sift.toml (weight_threshold, search_limit, ...) reload
live when the file changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.Logger

	database, err := db.OpenWithMigrations(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	chat := openrouter.NewClient(openrouter.Config{
		APIKey:      cfg.OpenRouter.APIKey,
		Model:       cfg.OpenRouter.Model,
		Temperature: cfg.OpenRouter.Temperature,
		MaxTokens:   cfg.OpenRouter.MaxTokens,
		Logger:      log,
	})
	if !chat.IsConfigured() {
		log.Warnw("OpenRouter API key not configured, judge calls will fail",
			"hint", "set SIFT_OPENROUTER_API_KEY")
	}

	embed := embedder.NewClient(embedder.Config{
		BaseURL:    cfg.Embedder.BaseURL,
		Model:      cfg.Embedder.Model,
		APIKey:     cfg.Embedder.APIKey,
		Timeout:    time.Duration(cfg.Embedder.TimeoutSeconds) * time.Second,
		Dimensions: cfg.Embedder.Dimensions,
		Logger:     log,
	})

	signals := sig.NewStore(database, log)
	reports := report.NewStore(database, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolCfg := pulse.DefaultWorkerPoolConfig()
	if cfg.Pulse.Workers > 0 {
		poolCfg.Workers = cfg.Pulse.Workers
	}
	if cfg.Pulse.PollIntervalSeconds > 0 {
		poolCfg.PollInterval = time.Duration(cfg.Pulse.PollIntervalSeconds) * time.Second
	}

	limiter := pulse.NewCallLimiter(cfg.Pulse.JudgeCallsPerMinute)
	daemon := pulse.NewWorkerPool(ctx, database, poolCfg, log, limiter)
	queue := daemon.GetQueue()
	spawner := engine.QueueSpawner{Queue: queue}

	assigner := engine.NewAssigner(signals, reports, embed, chat, spawner, cfg.Engine, log)
	finalizer := engine.NewFinalizer(signals, reports, chat, spawner, cfg.Engine, log)
	engine.RegisterHandlers(daemon.Registry(), assigner, finalizer, queue, log)

	daemon.Start()
	defer daemon.Stop()

	// Hot-reload engine tunables on config file changes
	if path := am.ConfigFilePath(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			log.Warnw("Config watcher unavailable", "error", err, "path", path)
		} else {
			watcher.OnReload(func(newCfg *am.Config) error {
				assigner.UpdateConfig(newCfg.Engine)
				finalizer.UpdateConfig(newCfg.Engine)
				return nil
			})
			watcher.Start()
			defer watcher.Close()
		}
	}

	srv := server.NewServer(database, daemon, signals, reports, cfg.Server, log)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Infow("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
