package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/fundilink/backend/internal/auth"
	"github.com/fundilink/backend/internal/config"
	"github.com/fundilink/backend/internal/disputes"
	"github.com/fundilink/backend/internal/escrow"
	"github.com/fundilink/backend/internal/jobs"
	"github.com/fundilink/backend/internal/matching"
	"github.com/fundilink/backend/internal/notify"
	"github.com/fundilink/backend/internal/router"
	"github.com/fundilink/backend/internal/scheduler"
	"github.com/fundilink/backend/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

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
	slog.Info("River migrations applied")

	// Services are built against a lazy scheduler; the real one is bound
	// after the River client exists (the client needs their workers).
	lazySched := &scheduler.Lazy{}
	uow := store.NewUnitOfWork(pool)
	notifier := notify.NewQueueSink(lazySched, logger)

	jobsRepo := jobs.NewRepository(pool)
	fundiRepo := matching.NewRepository(pool)
	txRepo := escrow.NewRepository(pool)
	walletRepo := escrow.NewWalletRepository(pool)
	payoutRepo := escrow.NewPayoutRepository(pool)
	disputeRepo := disputes.NewRepository(pool)

	gateway := escrow.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayWebhookSecret)
	escrowSvc := escrow.NewService(
		uow, txRepo, walletRepo, payoutRepo, jobsRepo, gateway, lazySched, notifier, logger,
		cfg.GatewayWebhookURL, cfg.MinTipCents, cfg.PayoutAttempts,
	)

	jobsSvc := jobs.NewService(uow, jobsRepo, escrowSvc, notifier, logger,
		cfg.FeePercent, cfg.VATPercent, cfg.EscrowHold)

	dispatcher := matching.NewDispatcher(uow, fundiRepo, jobsRepo, lazySched, notifier, logger,
		cfg.OfferTimeout, cfg.MaxDispatch, cfg.SearchRadiusKm)

	disputesSvc := disputes.NewService(uow, disputeRepo, jobsSvc, escrowSvc, notifier, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, matching.NewOfferTimeoutWorker(dispatcher))
	river.AddWorker(workers, escrow.NewReleaseWorker(escrowSvc))
	river.AddWorker(workers, escrow.NewPayoutWorker(escrowSvc))
	river.AddWorker(workers, notify.NewDeliverWorker(&notify.LogTransport{Log: logger}))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	lazySched.Bind(scheduler.NewRiverScheduler(riverClient))

	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret, 0)

	handler := router.New(router.Handlers{
		Auth:     auth.NewHandler(authSvc, logger),
		Profiles: matching.NewProfileHandler(fundiRepo, logger),
		Jobs:     jobs.NewHandler(jobsSvc, dispatcher, logger),
		Payments: escrow.NewHandler(escrowSvc, logger),
		Disputes: disputes.NewHandler(disputesSvc, logger),
	}, authSvc, fundiRepo)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Gateway-Signature"},
		AllowCredentials: true,
	}).Handler(handler)

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
