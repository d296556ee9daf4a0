// testserver starts a kiln server wired to an in-process agent for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/seantiz/kiln/internal/agent"
	"github.com/seantiz/kiln/internal/app"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/executor"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.DBPath = ":memory:"

	dir, err := os.MkdirTemp("", "kiln-testserver-")
	if err != nil {
		log.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	sock := "unix://" + filepath.Join(dir, "agent.sock")
	l, err := executor.Listen(sock)
	if err != nil {
		log.Fatalf("listen on %s: %v", sock, err)
	}
	cfg.Executor.Endpoints = map[string]string{cfg.Executor.Default: sock}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(l, agent.Options{
		OutputDir:    filepath.Join(dir, "artifacts"),
		RenderDelay:  100 * time.Millisecond,
		ProduceDelay: 100 * time.Millisecond,
	}, logger.With("component", "agent"))
	go func() {
		if err := a.Serve(ctx); err != nil {
			logger.Error("agent stopped", "error", err)
		}
	}()

	logger.Info("testserver: starting", "addr", cfg.ListenAddr, "agent", sock)
	if err := app.Run(ctx, cfg, logger); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
