// Package main is the entry point for the gitfix service: the poller,
// the work queue and its workers, and the HTTP/WebSocket API run in a
// single process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/api"
	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/common/tracing"
	"github.com/gitfix/gitfix/internal/db"
	"github.com/gitfix/gitfix/internal/events/bus"
	"github.com/gitfix/gitfix/internal/githost"
	"github.com/gitfix/gitfix/internal/gitops"
	"github.com/gitfix/gitfix/internal/jobs"
	"github.com/gitfix/gitfix/internal/poller"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/runner"
	"github.com/gitfix/gitfix/internal/state"
	"github.com/gitfix/gitfix/internal/worker"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting gitfix service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the database
	pool, closeDB, err := db.Open(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer closeDB()

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Hosting-service client
	tokens, err := tokenSource(cfg)
	if err != nil {
		log.Fatal("Failed to initialize bot credentials", zap.Error(err))
	}
	host := githost.NewRESTClient(cfg.Bot.APIBaseURL, tokens)

	// 6. State store (bus-backed live streams) and idempotent comment layer
	store, err := state.NewStore(pool, eventBus, state.Options{
		CostThresholdUSD: cfg.Bot.CostThresholdUSD,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize state store", zap.Error(err))
	}
	idem := githost.NewIdempotent(host, store, log)

	// 7. Watch list and git store
	repos, err := poller.LoadWatchList(cfg.Poller.ReposFile, cfg.Poller.Repositories)
	if err != nil {
		log.Fatal("Failed to load watch list", zap.Error(err))
	}
	if len(repos) == 0 {
		log.Warn("Watch list is empty, nothing will be polled")
	}

	gitStore := gitops.NewStore(gitops.StoreOptions{
		Git:          cfg.Git,
		ContainerUID: cfg.Runner.ContainerUID,
		ResolveDefaultBranch: func(ctx context.Context, owner, repo string) (string, error) {
			r, err := host.GetRepository(ctx, owner, repo)
			if err != nil {
				return "", err
			}
			return r.DefaultBranch, nil
		},
	}, log)
	for _, r := range repos {
		gitStore.SetBranchOverride(r.Owner(), r.Repo(), r.DefaultBranch)
	}

	// 8. Durable work queue
	q, err := queue.New(pool, cfg.Queue, log)
	if err != nil {
		log.Fatal("Failed to initialize queue", zap.Error(err))
	}

	// 9. Docker runner
	docker, err := runner.NewDockerClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create Docker client", zap.Error(err))
	}
	defer docker.Close()
	if err := docker.Ping(ctx); err != nil {
		log.Fatal("Docker daemon is unreachable", zap.Error(err))
	}
	run := runner.New(docker, cfg.Runner, cfg.Git, log)

	// 10. Workers
	deps := worker.Deps{
		Host:   host,
		Idem:   idem,
		Git:    gitStore,
		Runner: run,
		State:  store,
		Queue:  q,
		Config: cfg,
		Logger: log,
	}
	if err := q.Consume(ctx, jobs.QueueProcessIssue, worker.NewIssueWorker(deps).Handle, cfg.Queue.Concurrency); err != nil {
		log.Fatal("Failed to start issue consumer", zap.Error(err))
	}
	if err := q.Consume(ctx, jobs.QueueProcessPRComments, worker.NewPRCommentWorker(deps).Handle, cfg.Queue.Concurrency); err != nil {
		log.Fatal("Failed to start PR comment consumer", zap.Error(err))
	}
	if err := q.Consume(ctx, jobs.QueueImportTasks, worker.NewImportWorker(deps).Handle, 1); err != nil {
		log.Fatal("Failed to start import consumer", zap.Error(err))
	}

	// 11. Recovery sweep: fail tasks abandoned by a previous process
	recoverStaleTasks(ctx, store, log)

	// 12. Poller
	p, err := poller.New(host, q, store, repos, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize poller", zap.Error(err))
	}
	go func() {
		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Poller stopped unexpectedly", zap.Error(err))
		}
	}()

	// 13. Retention janitors
	go runJanitors(ctx, cfg, gitStore, store, log)

	// 14. HTTP and WebSocket API
	srv := api.NewServer(cfg, store, q, eventBus, log)
	srv.RegisterHealthCheck("database", store.Ping)
	srv.RegisterHealthCheck("docker", docker.Ping)
	srv.RegisterHealthCheck("bus", func(context.Context) error {
		if !eventBus.IsConnected() {
			return fmt.Errorf("event bus disconnected")
		}
		return nil
	})
	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("gitfix service started",
		zap.Int("repositories", len(repos)),
		zap.Int("port", cfg.Server.Port))

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gitfix service...")

	cancel()
	q.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("gitfix service stopped")
}

// tokenSource builds the hosting-service credential source. A token file
// supports rotation without restart; otherwise the static token is used.
func tokenSource(cfg *config.Config) (githost.TokenSource, error) {
	if cfg.Bot.TokenFile != "" {
		return githost.NewFileTokenSource(cfg.Bot.TokenFile)
	}
	if cfg.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is not configured")
	}
	return githost.NewStaticTokenSource(cfg.Bot.Token), nil
}

// recoverStaleTasks fails tasks that a previous process left in-flight
// past the stale threshold. Fresh in-flight tasks are left alone: their
// queue jobs were released back to pending and will re-run.
func recoverStaleTasks(ctx context.Context, store *state.Store, log *logger.Logger) {
	tasks, err := store.ListResumable(ctx, state.StaleThreshold)
	if err != nil {
		log.Error("Recovery sweep failed", zap.Error(err))
		return
	}
	for _, t := range tasks {
		if !t.Stale {
			continue
		}
		log.Warn("Failing stale task from previous run",
			zap.String("task_id", t.TaskID),
			zap.String("state", string(t.State)),
			zap.Time("updated_at", t.UpdatedAt))
		if err := store.MarkFailed(ctx, t.TaskID, &state.TaskError{
			Category: worker.CategoryStateStore,
			Message:  fmt.Sprintf("abandoned in %s, failed by recovery sweep after restart", t.State),
		}); err != nil {
			log.Error("Failed to mark stale task", zap.String("task_id", t.TaskID), zap.Error(err))
		}
	}
}

// runJanitors periodically sweeps expired worktrees and prunes old
// terminal task states.
func runJanitors(ctx context.Context, cfg *config.Config, gitStore *gitops.Store, store *state.Store, log *logger.Logger) {
	interval := time.Duration(cfg.State.CleanupIntervalMin) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	retention := time.Duration(cfg.State.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := gitStore.CleanupExpired(ctx); n > 0 {
				log.Info("Cleaned up expired worktrees", zap.Int("count", n))
			}
			if n, err := store.CleanupOldTasks(ctx, retention); err != nil {
				log.Error("Task state cleanup failed", zap.Error(err))
			} else if n > 0 {
				log.Info("Pruned old task states", zap.Int64("count", n))
			}
		}
	}
}
