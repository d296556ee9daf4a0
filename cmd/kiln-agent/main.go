// Command kiln-agent is the reference executor agent. It listens on a unix,
// tcp or vsock address for commands from kiln, renders artifacts into an
// output directory and streams signals back on each connection.
//
// Build for a microVM with: CGO_ENABLED=0 GOOS=linux go build -o kiln-agent ./cmd/kiln-agent
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/viper"

	"github.com/seantiz/kiln/internal/agent"
	"github.com/seantiz/kiln/internal/executor"
)

func main() {
	v := viper.New()
	v.SetEnvPrefix("KILN_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("listen", "unix:///tmp/kiln-agent.sock")
	v.SetDefault("output_dir", "")
	v.SetDefault("http_addr", "")
	v.SetDefault("base_url", "")
	v.SetDefault("render_delay", 200*time.Millisecond)
	v.SetDefault("produce_delay", 500*time.Millisecond)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	listen := v.GetString("listen")
	if path, ok := strings.CutPrefix(listen, "unix://"); ok {
		_ = os.Remove(path)
	}
	l, err := executor.Listen(listen)
	if err != nil {
		log.Fatalf("listen on %s: %v", listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outputDir := v.GetString("output_dir")
	baseURL := v.GetString("base_url")
	if addr := v.GetString("http_addr"); addr != "" && outputDir != "" {
		if baseURL == "" {
			baseURL = "http://" + addr + "/artifacts"
		}
		go serveArtifacts(ctx, addr, outputDir, logger)
	}

	a := agent.New(l, agent.Options{
		OutputDir:    outputDir,
		BaseURL:      baseURL,
		RenderDelay:  v.GetDuration("render_delay"),
		ProduceDelay: v.GetDuration("produce_delay"),
	}, logger)

	logger.Info("kiln-agent listening", "address", listen, "output_dir", outputDir)
	if err := a.Serve(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// serveArtifacts exposes rendered artifacts under /artifacts/ so their
// locators resolve.
func serveArtifacts(ctx context.Context, addr, dir string, logger *slog.Logger) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/artifacts/*", http.StripPrefix("/artifacts/", http.FileServer(http.Dir(dir))))

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving artifacts", "addr", addr, "dir", dir)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("artifact server", "error", err)
	}
}
