package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/classbook/backend/internal/config"
	"github.com/classbook/backend/internal/handler"
	"github.com/classbook/backend/internal/metrics"
	appMiddleware "github.com/classbook/backend/internal/middleware"
	"github.com/classbook/backend/internal/reconcile"
	"github.com/classbook/backend/internal/repository"
	"github.com/classbook/backend/internal/service"
	"github.com/classbook/backend/internal/session"
	"github.com/classbook/backend/internal/ws"
	"github.com/classbook/backend/pkg/crypto"
	"github.com/classbook/backend/pkg/studentapi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type checkoutStore interface {
	reconcile.CheckoutStore
	service.CheckoutPurger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pending checkouts survive restarts only with a database.
	var (
		store  checkoutStore
		health handler.Pinger
	)
	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database error", zap.Error(err))
		}
		defer db.Close()

		if err := repository.RunMigrations(ctx, db); err != nil {
			logger.Fatal("migration error", zap.Error(err))
		}
		sealer, err := crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			logger.Fatal("encryption error", zap.Error(err))
		}
		store = repository.NewCheckoutRepository(db, sealer)
		health = db
		logger.Info("database connected and migrated")
	} else {
		store = repository.NewMemoryCheckoutStore()
		logger.Warn("DATABASE_URL not set, pending checkouts are kept in memory")
	}

	api := studentapi.New(cfg.StudentAPIURL,
		studentapi.WithAPIKey(cfg.StudentAPIKey),
		studentapi.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}),
	)

	var cache reconcile.SubscriptionCache
	if cfg.SubscriptionCacheTTL > 0 {
		cache = repository.NewSubscriptionCache(cfg.SessionLimit, cfg.SubscriptionCacheTTL)
	}

	sessions := session.NewRegistry(cfg.SessionLimit, cfg.SessionTTL, nil)
	defer sessions.Close()

	rec := reconcile.New(api, store, cache, reconcile.ClockScheduler{}, reconcile.Config{
		Delays:      cfg.ReconcileDelays,
		OverrideTTL: cfg.OverrideTTL,
	}, logger)

	hub := ws.NewHub(sessions, logger)
	authSvc := service.NewAuthService(cfg.JWTSecret, cfg.BotToken, cfg.InitDataMaxAge, logger)
	studentSvc := service.NewStudentService(api, rec, logger)
	orch := service.NewOrchestrator(api, api, rec, store, cache, hub, service.OrchestratorConfig{
		PlanChangeFollowup: cfg.UpgradeFollowupDelay,
		PreviewInterval:    cfg.PreviewInterval,
	}, logger)

	service.NewJanitorService(store, cfg.CheckoutRetention, time.Hour, logger).Start(ctx)

	authHandler := handler.NewAuthHandler(authSvc, sessions)
	studentHandler := handler.NewStudentHandler(studentSvc, sessions)
	subHandler := handler.NewSubscriptionHandler(orch, sessions)
	healthHandler := handler.NewHealthHandler(health, sessions)

	r := chi.NewRouter()

	r.Use(appMiddleware.Recovery(logger))
	r.Use(appMiddleware.Logger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Global rate limiter (20 req/sec per IP, burst of 40)
	globalRL := appMiddleware.NewRateLimiter(ctx, 20, 40)
	r.Use(globalRL.Middleware())

	r.Get("/health", healthHandler.Check)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.StrictRateLimiter(ctx))
		r.Post("/api/auth/session", authHandler.Session)
	})

	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.Auth(authSvc))

		r.Get("/ws", hub.Handler(orch))
		r.Delete("/api/auth/session", authHandler.Logout)

		r.Get("/api/state", subHandler.State)
		r.Get("/api/students", studentHandler.List)
		r.Post("/api/students/{id}/select", studentHandler.Select)
		r.Get("/api/students/{id}/dashboard", studentHandler.Dashboard)

		r.Get("/api/subscriptions/preview", subHandler.Preview)
		r.Delete("/api/subscriptions/preview", subHandler.ClosePreview)
		r.Post("/api/checkout/return", subHandler.ReturnFromCheckout)

		// Mutations
		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.StrictRateLimiter(ctx))
			r.Post("/api/subscriptions/checkout", subHandler.Subscribe)
			r.Post("/api/subscriptions/upgrade", subHandler.Upgrade)
			r.Post("/api/subscriptions/downgrade", subHandler.Downgrade)
			r.Post("/api/subscriptions/cancel", subHandler.Cancel)
			r.Post("/api/deposits/checkout", subHandler.Deposit)
		})
	})

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WriteTimeout must be 0 for WebSocket connections (they are long-lived)
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	logger.Info("classbook backend listening", zap.String("addr", addr), zap.String("env", cfg.Env))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Production() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
