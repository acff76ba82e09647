package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/buildora/buildora/cmd/ledgerd/cli"
	"github.com/buildora/buildora/internal/app"
	"github.com/buildora/buildora/internal/observability"
	"github.com/buildora/buildora/internal/platform/cache"
	"github.com/buildora/buildora/internal/platform/db"
	"github.com/buildora/buildora/jobs"
	"github.com/buildora/buildora/migrations"
)

const usage = `usage: ledgerd <command>

commands:
  serve                                   run the ops HTTP server (default)
  migrate                                 apply database migrations
  reconcile <tenant> <item> <kind:id>     compare a cached balance with its replay
  jobs trigger [tenant...]                enqueue a ledger reconcile run
  jobs stats                              print queue counters
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = migrate(ctx, cfg, logger)
	case "reconcile":
		err = reconcile(ctx, cfg, logger, args)
	case "jobs":
		err = jobsCommand(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, movement notifications disabled", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	deps := app.LedgerDeps{Pool: pool, Logger: logger, Metrics: metrics}
	if redisClient != nil {
		deps.Redis = redisClient
	}
	ledger := app.NewLedgerService(cfg, deps)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Ledger:     ledger,
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	all, err := migrations.All()
	if err != nil {
		return err
	}
	applied, err := db.Migrate(ctx, pool, all)
	for _, name := range applied {
		logger.Info("migration applied", slog.String("name", name))
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		logger.Info("schema up to date")
	}
	return nil
}

func reconcile(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	key, err := cli.ParseBalanceKey(args)
	if err != nil {
		fmt.Fprint(os.Stderr, usage)
		return err
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	ledger := app.NewLedgerService(cfg, app.LedgerDeps{Pool: pool, Logger: logger})
	report, err := ledger.Verify(ctx, key)
	if err != nil {
		return err
	}
	cli.PrintReport(os.Stdout, report)
	if report.Drift() != 0 {
		return fmt.Errorf("balance %s drifted by %d", key, report.Drift())
	}
	return nil
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("jobs: missing subcommand")
	}
	jobsCLI := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		tenants, err := cli.ParseTenants(args[1:])
		if err != nil {
			return err
		}
		info, err := jobsCLI.TriggerReconcile(ctx, tenants)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return nil
	default:
		return fmt.Errorf("jobs: unknown subcommand %q", args[0])
	}
}
