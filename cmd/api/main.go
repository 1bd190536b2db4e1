package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/homegpucloud/backend/internal/auth"
	"github.com/homegpucloud/backend/internal/billing"
	"github.com/homegpucloud/backend/internal/config"
	"github.com/homegpucloud/backend/internal/db"
	"github.com/homegpucloud/backend/internal/execution"
	"github.com/homegpucloud/backend/internal/jobs"
	"github.com/homegpucloud/backend/internal/payments"
	"github.com/homegpucloud/backend/internal/router"
	"github.com/homegpucloud/backend/internal/storage"
	"github.com/homegpucloud/backend/internal/webhooks"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	if err := db.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	store := storage.NewLocal(cfg.NFSMountPath, cfg.MaxUploadSizeMB*1024*1024)

	// Billing: the jobs repository doubles as the ledger's view of jobs.
	jobsRepo := jobs.NewRepository(pool)
	billingRepo := billing.NewRepository(pool)
	billingSvc := billing.NewService(billingRepo, jobsRepo, cfg.CreditsPerMinute, cfg.MinimumBalanceToStart, logger)

	// Jobs: enqueue func is set after the River client exists (breaks init cycle)
	var enqueueMu sync.Mutex
	var enqueueFn jobs.EnqueueTxFunc
	enqueue := func(ctx context.Context, tx pgx.Tx, args execution.RunJobArgs) error {
		enqueueMu.Lock()
		fn := enqueueFn
		enqueueMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	jobsSvc := jobs.NewService(jobsRepo, billingSvc, store, enqueue, jobs.Defaults{
		Image: cfg.DefaultDockerImage,
		Resources: jobs.ResourceConfig{
			MemoryLimit:    cfg.DefaultMemoryLimit,
			CPUCount:       cfg.DefaultCPUCount,
			TimeoutSeconds: cfg.DefaultTimeoutSeconds,
		},
		MaxTimeoutSeconds: cfg.MaxTimeoutSeconds,
		PendingGrace:      cfg.PendingGrace,
	}, logger)

	// Container runtime
	var runtime execution.Runtime
	switch cfg.ExecutionBackend {
	case "sim":
		runtime = execution.NewSimRuntime()
	default:
		runtime, err = execution.NewDockerRuntime(logger)
		if err != nil {
			slog.Error("Docker runtime init failed", "error", err)
			os.Exit(1)
		}
	}
	if err := runtime.ReconcileOrphans(ctx); err != nil {
		slog.Warn("Orphan container reconcile failed", "error", err)
	}

	// The worker talks to the control plane in-process by default, or over
	// webhooks when the API lives on another host.
	var control execution.ControlPlane = jobsSvc
	if cfg.BackendURL != "" {
		control = execution.NewRemoteControlPlane(cfg.BackendURL, cfg.WorkerSecret)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewRunJobWorker(runtime, control, store, execution.WorkerConfig{
		PollInterval:    cfg.PollInterval,
		BillingInterval: cfg.BillingInterval,
		StopGrace:       cfg.StopGrace,
	}, logger))

	// One worker per queue: the GPU runs one job at a time.
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			execution.QueueGPU: {MaxWorkers: 1},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	enqueueMu.Lock()
	enqueueFn = func(ctx context.Context, tx pgx.Tx, args execution.RunJobArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	enqueueMu.Unlock()

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, billingSvc, cfg.JWTSecret, logger)
	authHandler := auth.NewHandler(authSvc, logger)

	jobsHandler := jobs.NewHandler(jobs.Service(jobsSvc), authSvc, cfg.MaxUploadSizeMB*1024*1024, logger)
	billingHandler := billing.NewHandler(billingSvc, authSvc, logger)

	paymentProvider := payments.NewPayPalProvider(cfg.PaymentBaseURL, cfg.PaymentClientID, cfg.PaymentClientSecret)
	paymentsSvc := payments.NewService(paymentProvider, billingSvc, logger)
	paymentsHandler := payments.NewHandler(paymentsSvc, authSvc, logger)

	webhooksHandler := webhooks.NewHandler(jobsSvc, billingSvc, cfg.WorkerSecret, logger)

	apiRouter := router.New(authHandler, jobsHandler, billingHandler, paymentsHandler, webhooksHandler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Worker-Secret"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	// Start River client (processes jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	// Recovery sweep: re-dispatch jobs stuck in PENDING.
	go func() {
		ticker := time.NewTicker(cfg.PendingGrace)
		defer ticker.Stop()
		for {
			select {
			case <-riverCtx.Done():
				return
			case <-ticker.C:
				if n, err := jobsSvc.RecoverStuck(riverCtx); err != nil {
					slog.Error("Recovery sweep failed", "error", err)
				} else if n > 0 {
					slog.Info("Recovery sweep re-dispatched jobs", "count", n)
				}
			}
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
