// Package main provides the HTTP server entry point for the medical assistant.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/bull/medassist/internal/app"
	"github.com/bull/medassist/internal/config"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup (query log flush,
// broker drain) completes before main exits.
func run() int {
	// Logs go to stderr so stdout stays free for the stdio MCP transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// Load .env file if present (local development), ignore if missing (production)
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load(os.Getenv("MEDASSIST_CONFIG"))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer a.Close(context.Background())

	githubToken := os.Getenv("GITHUB_TOKEN")

	// Stdio mode: serve only the MCP tools over stdin/stdout for local clients
	if os.Getenv("MCP_STDIO") == "true" {
		if err := runStdio(ctx, a, githubToken); err != nil {
			logger.Error("mcp server error", "error", err)
			return 1
		}
		return 0
	}

	srv, err := a.Server(ctx, app.ServerOptions{GitHubToken: githubToken})
	if err != nil {
		logger.Error("failed to build server", "error", err)
		return 1
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}

func runStdio(ctx context.Context, a *app.App, githubToken string) error {
	db, err := a.OpenStore(ctx)
	if err != nil {
		return err
	}
	ql, err := a.QueryLog(db)
	if err != nil {
		return err
	}
	server, err := a.MCP(ql, githubToken)
	if err != nil {
		return err
	}
	a.Logger.Info("starting medical assistant MCP server (stdio mode)")
	return server.Run(ctx)
}
