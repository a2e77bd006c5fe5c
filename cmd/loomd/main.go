// Package main provides the CLI entry point for the loom agent gateway.
//
// Loom orchestrates long-running, tool-using LLM agent conversations
// over WebSocket: it manages per-connection agent runtimes, routes
// model calls across providers with retries and fallback, and persists
// every session event to SQLite.
//
// # Basic Usage
//
// Start the gateway:
//
//	loomd serve --config loom.yaml
//
// Manage Pro keys:
//
//	loomd prokey generate
//	loomd prokey verify 004fcdd6
//	loomd prokey usage 004fcdd6
//
// # Environment Variables
//
//   - LOOM_LISTEN_ADDR: listen address (default :8000)
//   - LOOM_DB_PATH: SQLite database path
//   - LOOM_WORKSPACE_ROOT: per-session workspace root
//   - ANTHROPIC_API_KEY, CHUTES_API_KEY, OPENROUTER_API_KEY, MOONSHOT_API_KEY
//   - ADMIN_KEY: admin REST endpoints
//   - PRO_PRIME: Pro key validation prime
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A missing .env is fine; explicit env always wins.
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "loomd",
		Short:        "Loom - WebSocket agent orchestration gateway",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildProkeyCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

// loadConfig reads the YAML file (optional) and applies env overrides.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("loom.yaml"); err == nil {
			path = "loom.yaml"
		}
	}
	return config.Load(path)
}

// setupLogger configures the process-wide slog handler from config.
func setupLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
