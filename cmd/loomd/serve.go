package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/credit"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/server"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workspace"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the loom gateway server",
		Long: `Start the loom gateway server.

The server will:
1. Load configuration from the specified file (or loom.yaml)
2. Open the SQLite event store and bootstrap the schema
3. Initialize the configured LLM providers
4. Serve the /ws WebSocket endpoint plus /healthz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  loomd serve

  # Start with custom config and debug logging
  loomd serve --config /etc/loom/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg, debug)

	st, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close event store", "error", err)
		}
	}()

	alloc, err := workspace.NewAllocator(cfg.Workspace.Root, cfg.Workspace.PersistentDir)
	if err != nil {
		return fmt.Errorf("failed to prepare workspace root: %w", err)
	}
	logger.Info("workspace root ready", "root", alloc.Root())

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	router, err := buildRouter(cfg, logger, m)
	if err != nil {
		return err
	}

	ledger := credit.NewLedger(st, cfg.Pro.MonthlyLimit, cfg.Pro.WarningThreshold, logger)

	srv := server.New(cfg, server.Deps{
		Store:          st,
		Workspaces:     alloc,
		Router:         router,
		Ledger:         ledger,
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         logger,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildRouter wires one provider per configured route. Routes without an
// API key are left out; the router rejects models on missing routes at
// the moment they are first used.
func buildRouter(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*llm.Router, error) {
	providers := make(map[string]llm.Provider)
	timeout := cfg.LLM.RequestTimeout
	if cfg.LLM.AnthropicAPIKey != "" {
		providers["anthropic"] = llm.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey, timeout)
	}
	if cfg.LLM.ChutesAPIKey != "" {
		providers["chutes"] = llm.NewOpenAICompatProvider(
			"chutes", cfg.LLM.ChutesAPIKey, cfg.LLM.ChutesBaseURL, true, timeout, logger)
	}
	if cfg.LLM.OpenRouterAPIKey != "" {
		providers["openrouter"] = llm.NewOpenAICompatProvider(
			"openrouter", cfg.LLM.OpenRouterAPIKey, cfg.LLM.OpenRouterBaseURL, false, timeout, logger)
	}
	if cfg.LLM.MoonshotAPIKey != "" {
		providers["moonshot"] = llm.NewOpenAICompatProvider(
			"moonshot", cfg.LLM.MoonshotAPIKey, cfg.LLM.MoonshotBaseURL, false, timeout, logger)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no LLM provider configured: set at least one of ANTHROPIC_API_KEY, CHUTES_API_KEY, OPENROUTER_API_KEY, MOONSHOT_API_KEY")
	}
	for name := range providers {
		logger.Info("provider configured", "route", name)
	}

	return llm.NewRouter(llm.RouterConfig{
		Providers:  providers,
		MaxRetries: cfg.LLM.MaxRetries,
		TestMode:   cfg.LLM.TestMode,
		Logger:     logger,
		Metrics:    m,
	}), nil
}
