// Package app assembles a kiln server from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/executor"
	"github.com/seantiz/kiln/internal/notify"
	"github.com/seantiz/kiln/internal/registry"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/validation"
)

// Run starts the HTTP API, the notification gateway and the registry
// janitor, and blocks until ctx is cancelled or one of them fails. On the way
// out the active sequence is cancelled, in-flight dispatches are awaited and
// queued notifications are flushed.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	broker := notify.NewBroker()
	transports := []notify.Transport{broker, notify.NewRecorderTransport(db)}
	if cfg.Notify.WebhookURL != "" {
		transports = append(transports, notify.NewWebhook(cfg.Notify.WebhookURL, nil))
	}
	gw := notify.NewGateway(logger, notify.Options{
		QueueSize: cfg.Notify.QueueSize,
		Retry: notify.RetryPolicy{
			MaxAttempts:   cfg.Notify.MaxAttempts,
			BaseDelay:     cfg.Notify.BaseDelay,
			BackoffFactor: cfg.Notify.BackoffFactor,
		},
	}, transports...)

	jobs := registry.New(logger, registry.Options{
		MaxEntries: cfg.Jobs.MaxJobs,
		TTL:        cfg.Jobs.TTL,
	})
	execs := executor.NewRegistry(cfg.Executor.Default)
	eng := engine.NewEngine(jobs, execs, gw, db, logger, engine.Options{
		Limits:          validation.Limits{MaxArtifactCount: cfg.Jobs.MaxArtifactCount},
		DispatchTimeout: cfg.Executor.DispatchTimeout,
	})
	seq := engine.NewSequencer(execs, gw, db, logger, engine.SequencerOptions{
		StepTimeout:     cfg.Sequence.StepTimeout,
		DispatchTimeout: cfg.Executor.DispatchTimeout,
	})

	closers, err := registerExecutors(execs, cfg.Executor, engine.Signals{Jobs: eng, Sequences: seq}, logger)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("close executor", "error", err)
			}
		}
	}()
	if err != nil {
		return err
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Engine:    eng,
		Sequencer: seq,
		Broker:    broker,
		Gateway:   gw,
		Store:     db,
		Executors: execs,
	}, logger)

	// The gateway outlives ctx so shutdown notices still go out.
	gwCtx, stopGateway := context.WithCancel(context.WithoutCancel(ctx))
	gwDone := make(chan struct{})
	go func() {
		defer close(gwDone)
		_ = gw.Run(gwCtx)
	}()

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"executors", len(cfg.Executor.Endpoints),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return eng.RunJanitor(gctx, cfg.Jobs.CleanupInterval) })
	runErr := g.Wait()

	seq.Cancel()
	seq.Wait()
	eng.Wait()
	stopGateway()
	<-gwDone

	logger.Info("kiln: stopped")
	return runErr
}

// registerExecutors creates an executor per configured endpoint. The returned
// closers must be closed once the executors are no longer used.
func registerExecutors(reg *executor.Registry, cfg config.ExecutorConfig, sink executor.SignalSink, logger *slog.Logger) ([]io.Closer, error) {
	if len(cfg.Endpoints) == 0 {
		logger.Warn("no executor endpoints configured; jobs will not be dispatched")
	}

	var closers []io.Closer
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(cfg.Endpoints)) {
		addr := cfg.Endpoints[name]
		ex, err := executor.New(addr, sink, logger.With("executor", name))
		if err != nil {
			errs = append(errs, fmt.Errorf("executor %q: %w", name, err))
			continue
		}
		reg.Register(name, ex)
		if c, ok := ex.(io.Closer); ok {
			closers = append(closers, c)
		}
		logger.Info("executor registered", "name", name, "address", addr, "default", name == cfg.Default)
	}
	return closers, errors.Join(errs...)
}
