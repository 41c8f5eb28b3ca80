// cmd/swap/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"bookswap/internal/auth"
	"bookswap/internal/clients"
	"bookswap/internal/config"
	"bookswap/internal/logging"
	"bookswap/internal/memstore"
	"bookswap/internal/notify"
	"bookswap/internal/postgres"
	"bookswap/internal/swap"
	"bookswap/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("JWT_SECRET must be set")
	}

	logger := logging.New(cfg.LogLevel).With("service", "swap")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "bookswap-swap", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreDriver, err)
	}
	defer closeStore()

	sinks := []notify.Sink{notify.LogSink{Logger: logger}}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(clients.NewWebhookClient(cfg.WebhookURL, 5*time.Second), notify.BreakerSettings{}, logger))
	}
	dispatcher := notify.NewDispatcher(notify.Options{
		QueueSize: cfg.NotifyQueueSize,
		Workers:   cfg.NotifyWorkers,
		Logger:    logger,
	}, sinks...)

	svc := swap.NewService(store, dispatcher, swap.Config{
		Logger:      logger,
		CreateLimit: rate.Limit(float64(cfg.SwapCreatePerMinute) / 60),
		CreateBurst: cfg.SwapCreateBurst,
	})
	handler := swap.NewHandler(svc, logger)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())
	router.With(verifier.Middleware).Mount("/swap-requests", handler.Routes())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting swap service", "port", cfg.Port, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Swap service failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down swap service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("notification drain", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (swap.Store, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		store := memstore.New()
		if cfg.SeedFile != "" {
			f, err := os.Open(cfg.SeedFile)
			if err != nil {
				return nil, nil, err
			}
			defer f.Close()
			n, err := store.Seed(f)
			if err != nil {
				return nil, nil, err
			}
			logger.Info("seeded memory store", "items", n, "file", cfg.SeedFile)
		}
		return store, func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	applied, err := postgres.Migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "migrations", applied)
	}
	return postgres.NewStore(db, postgres.WithLogger(logger)), func() { db.Close() }, nil
}
