// cmd/catalog/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bookswap/internal/auth"
	"bookswap/internal/catalog"
	"bookswap/internal/config"
	"bookswap/internal/logging"
	"bookswap/internal/postgres"
	"bookswap/internal/telemetry"
	"bookswap/pkg/eventstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("JWT_SECRET must be set")
	}

	logger := logging.New(cfg.LogLevel).With("service", "catalog")
	slog.SetDefault(logger)

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, "bookswap-catalog", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer shutdownTracing(ctx)

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if _, err := postgres.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	es := eventstore.NewEventStore(db)
	svc := catalog.NewService(es, db, logger)
	handler := catalog.NewHandler(svc, logger)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Mount("/", handler.Routes(verifier.Middleware))

	logger.Info("starting catalog service", "port", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, router))
}
