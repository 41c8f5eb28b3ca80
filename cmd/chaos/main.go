// cmd/chaos/main.go
package main

import (
	"context"
	"log"
	"os"
	"time"

	"bookswap/internal/config"
	"bookswap/internal/logging"
	"bookswap/internal/memstore"
	"bookswap/internal/postgres"
	"bookswap/internal/swap"
	"bookswap/internal/telemetry"
	"bookswap/pkg/chaos"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.LogLevel)
	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, "bookswap-chaos", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer shutdownTracing(ctx)

	var target chaos.SwapTarget
	if cfg.StoreDriver == config.DriverMemory {
		store := memstore.New()
		target = chaos.SwapTarget{
			Service: swap.NewService(store, nil, swap.Config{Logger: logger}),
			Fixture: store,
		}
	} else {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if _, err := postgres.Migrate(ctx, db); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		target = chaos.SwapTarget{
			Service: swap.NewService(postgres.NewStore(db, postgres.WithLogger(logger)), nil, swap.Config{Logger: logger}),
			Fixture: postgres.NewBooks(db),
		}
	}

	engine := chaos.NewChaosEngine(logger)
	engine.RegisterSwapExperiments(target, 8, 2*time.Second)

	gameDay := chaos.GameDay{
		Name:      "Weekly Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.GetExperiments(),
		Pause:     time.Second,
	}

	results, err := engine.ExecuteGameDay(ctx, gameDay)
	if err != nil {
		log.Fatalf("Chaos Game Day failed: %v", err)
	}
	for _, r := range results {
		if !r.HypothesisHeld {
			shutdownTracing(ctx)
			os.Exit(1)
		}
	}
}
