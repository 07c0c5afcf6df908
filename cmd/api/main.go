package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/cryptiq/backend/internal/auth"
	"github.com/cryptiq/backend/internal/chain"
	"github.com/cryptiq/backend/internal/claims"
	"github.com/cryptiq/backend/internal/config"
	"github.com/cryptiq/backend/internal/dashboard"
	"github.com/cryptiq/backend/internal/db"
	"github.com/cryptiq/backend/internal/execution"
	"github.com/cryptiq/backend/internal/handlers"
	"github.com/cryptiq/backend/internal/repository"
	"github.com/cryptiq/backend/internal/router"
	"github.com/cryptiq/backend/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first (e.g. make dev-up)", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	if err := db.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Reward schema applied")

	// Claim ledger and the external token ledger
	ledger := claims.NewLedger(claims.NewRepository(pool), logger)
	gateway := chain.NewGateway(chain.GatewayConfig{
		BaseURL:        cfg.Ledger.GatewayURL,
		Token:          cfg.Ledger.GatewayToken,
		Mint:           cfg.Token.Mint,
		FundingAccount: cfg.Ledger.FundingAccount,
	})
	executor := services.NewExecutor(ledger, gateway, services.SettlementConfig{
		ConfirmTimeout: cfg.Settlement.ConfirmTimeout,
		PollInterval:   cfg.Settlement.ConfirmPollInterval,
	}, logger)

	// Settlement insert funcs are set after the River client is created
	// (breaks the init cycle between workers and client).
	var insertMu sync.Mutex
	var riverClient *river.Client[pgx.Tx]
	client := func() *river.Client[pgx.Tx] {
		insertMu.Lock()
		defer insertMu.Unlock()
		if riverClient == nil {
			panic("river client not wired")
		}
		return riverClient
	}
	settleOpts := &river.InsertOpts{MaxAttempts: cfg.Settlement.MaxAttempts}
	enqueueSettlement := func(ctx context.Context, tx pgx.Tx, claimID uuid.UUID, attempt int) error {
		_, err := client().InsertTx(ctx, tx, execution.SettleClaimArgs{ClaimID: claimID, Attempt: attempt}, settleOpts)
		return err
	}
	requeueSettlement := func(ctx context.Context, claimID uuid.UUID, attempt int) error {
		_, err := client().Insert(ctx, execution.SettleClaimArgs{ClaimID: claimID, Attempt: attempt}, settleOpts)
		return err
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewSettleClaimWorker(
		executor,
		execution.Backoff{Base: cfg.Settlement.RetryBackoffBase, Max: cfg.Settlement.RetryBackoffMax},
		cfg.Settlement.ConfirmTimeout+time.Minute,
		logger,
	))
	river.AddWorker(workers, execution.NewReconcileClaimsWorker(
		ledger, executor, requeueSettlement,
		cfg.Settlement.PendingGrace, cfg.Settlement.ReconcileClaimTimeout, logger,
	))

	rc, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: logger,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.Settlement.ReconcileInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return execution.ReconcileClaimsArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	insertMu.Lock()
	riverClient = rc
	insertMu.Unlock()

	// Eligibility, claims and labs
	achievements := repository.NewAchievementRepo(pool)
	completions := repository.NewCompletionRepo(pool)
	evaluator := services.NewEvaluator(achievements, completions, cfg.Token.Decimals, cfg.QuizMinScore)
	claimSvc := services.NewClaimService(pool, evaluator, ledger, enqueueSettlement, logger)
	flags := services.NewFlagChecker(completions, logger)

	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	api := router.New(router.Deps{
		Verifier:  auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience),
		Validator: validator,
		Claims: &handlers.ClaimHandler{
			Claims:   claimSvc,
			Reader:   ledger,
			Decimals: cfg.Token.Decimals,
			Logger:   logger,
		},
		Labs:      &handlers.LabHandler{Flags: flags, Logger: logger},
		Dashboard: dashboard.NewHandler(ledger, cfg.Token.Symbol, cfg.Token.Decimals, logger),
		DB:        pool,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}).Handler(api)

	// Start River client (processes settlement and reconcile jobs)
	if err := rc.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := rc.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown", "error", err)
	}
}
