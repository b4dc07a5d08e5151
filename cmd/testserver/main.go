// testserver starts a Switchyard API server backed by the keyword-driven demo
// model and an in-memory database, for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/switchyard/internal/api"
	"github.com/seantiz/switchyard/internal/config"
	"github.com/seantiz/switchyard/internal/engine"
	"github.com/seantiz/switchyard/internal/finalize"
	"github.com/seantiz/switchyard/internal/llm"
	"github.com/seantiz/switchyard/internal/resilience"
	"github.com/seantiz/switchyard/internal/router"
	"github.com/seantiz/switchyard/internal/store"
	"github.com/seantiz/switchyard/internal/tools"
	"github.com/seantiz/switchyard/internal/workers"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("SWITCHYARD_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := config.NewLogger(os.Stdout, slog.LevelInfo)
	catalog := workers.DefaultCatalog()

	reg, err := workers.NewRegistry(catalog.Workers, db, workers.WithLogger(logger))
	if err != nil {
		log.Fatalf("worker registry: %v", err)
	}
	table, err := router.NewTable(catalog.Routes)
	if err != nil {
		log.Fatalf("routing table: %v", err)
	}
	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg, nil)

	cfg := engine.DefaultConfig()
	cfg.SpecialistTimeout = 5 * time.Second
	cfg.CoordinatorTimeout = 5 * time.Second

	eng := engine.NewEngine(cfg, engine.Deps{
		Workers:  reg,
		Router:   router.New(table, logger),
		Model:    llm.Demo(),
		Tools:    toolReg,
		Threads:  db,
		Archive:  db,
		Breakers: resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig()),
		Logger:   logger,
	})
	bridge := finalize.New(db, finalize.WithClaims(db), finalize.WithLogger(logger))
	stop := bridge.Attach(eng)

	srv := api.NewServer(addr, api.Deps{Engine: eng, Workers: reg, Store: db, Bridge: bridge}, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(context.Background()); err != nil {
		log.Fatalf("server error: %v", err)
	}
	eng.Wait()
	stop()
}
