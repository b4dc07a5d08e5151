package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

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

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, warnings := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}

	logger.Info("switchyard: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"catalog", cfg.CatalogPath,
	)

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	reg, err := workers.NewRegistry(catalog.Workers, db,
		workers.WithTTL(cfg.WorkerCacheTTL),
		workers.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build worker registry: %w", err)
	}

	table, err := router.NewTable(catalog.Routes)
	if err != nil {
		return fmt.Errorf("build routing table: %w", err)
	}

	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg, nil)

	models := llm.NewMulti()
	if cfg.AnthropicAPIKey != "" {
		models.Register("anthropic", llm.NewAnthropic(llm.AnthropicOptions{
			APIKey:  cfg.AnthropicAPIKey,
			BaseURL: cfg.AnthropicBaseURL,
		}))
	}
	if cfg.OpenAIAPIKey != "" {
		models.Register("openai", llm.NewOpenAI(llm.OpenAIOptions{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		}))
	}
	if len(models.Providers()) == 0 {
		logger.Warn("no model provider configured; only fast-path tool requests can complete")
	}

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}

	engCfg := engine.DefaultConfig()
	engCfg.MaxDelegationDepth = cfg.MaxDelegationDepth
	engCfg.MaxToolRounds = cfg.MaxToolRounds
	engCfg.CoordinatorTimeout = cfg.CoordinatorTimeout
	engCfg.SpecialistTimeout = cfg.SpecialistTimeout
	engCfg.Retention = cfg.Retention

	eng := engine.NewEngine(engCfg, engine.Deps{
		Workers:  reg,
		Router:   router.New(table, logger),
		Model:    models,
		Tools:    toolReg,
		Threads:  db,
		Archive:  db,
		Breakers: resilience.NewBreakerRegistry(breakerCfg),
		Logger:   logger,
	})

	bridge := finalize.New(db, finalize.WithClaims(db), finalize.WithLogger(logger))
	stopFinalize := bridge.Attach(eng)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go eng.RunJanitor(ctx)

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Engine:  eng,
		Workers: reg,
		Store:   db,
		Bridge:  bridge,
	}, logger)

	runErr := srv.Run(ctx)

	cancel()
	logger.Info("waiting for in-flight executions")
	waitWithTimeout(eng, cfg.CoordinatorTimeout, logger)
	stopFinalize()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if n := eng.Flush(flushCtx); n > 0 {
		logger.Info("archived finished executions", "count", n)
	}

	if runErr != nil {
		return fmt.Errorf("server error: %w", runErr)
	}
	return nil
}

// waitWithTimeout waits for running executions, giving up after d. Each
// execution is bounded by its own deadline, so d only matters if a
// collaborator ignores cancellation.
func waitWithTimeout(eng *engine.Engine, d time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		eng.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		logger.Warn("executions still running at shutdown", "active", len(eng.GetActive()))
	}
}

func loadCatalog(path string) (*workers.Catalog, error) {
	if path == "" {
		return workers.DefaultCatalog(), nil
	}
	c, err := workers.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return c, nil
}
