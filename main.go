// Tradeport client keeps a trading API session alive and serves live crypto
// candles to the dashboard.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/tradeport/tradeport-client/app"
	"github.com/tradeport/tradeport-client/ops"
)

var (
	// version is injected at build time with -ldflags "-X main.version=..."
	version = "v0.0.0"

	// buildString is injected at build time with build time and git info
	buildString = "dev build"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func initLogger(level string) (*slog.Logger, *ops.Journal) {
	journal := ops.NewJournal(ops.DefaultCapacity)
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(ops.NewTeeHandler(inner, journal)), journal
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("Tradeport client %s\n", version)
		fmt.Printf("Build: %s\n", buildString)
		os.Exit(0)
	}

	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	cfg, err := app.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, journal := initLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	application := app.NewApp(cfg, logger)
	application.SetJournal(journal)
	application.SetVersion(version)

	logger.Info("Starting Tradeport client...", "version", version, "build", buildString,
		"api", cfg.APIBaseURL, "token_store", cfg.TokenStore.Kind)
	if err := application.RunServer(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
