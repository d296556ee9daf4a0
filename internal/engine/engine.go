package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/executor"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/registry"
	"github.com/seantiz/kiln/internal/validation"
)

// DefaultDispatchTimeout bounds a single command dispatch to an executor.
const DefaultDispatchTimeout = 10 * time.Second

// Notifier receives fire-and-forget notifications. Implementations must not block.
type Notifier interface {
	NotifyProgress(model.ProgressUpdate)
	NotifyError(model.ErrorNotice)
	NotifyComplete(model.CompletionNotice)
}

// Archive records job and sequence history. It is never consulted for
// orchestration decisions.
type Archive interface {
	SaveJob(ctx context.Context, j *model.Job) error
	SaveSequenceRun(ctx context.Context, r *model.SequenceRecord) error
}

// Options configures an Engine.
type Options struct {
	Limits          validation.Limits
	DispatchTimeout time.Duration
}

// Engine owns the lifecycle of every job.
type Engine struct {
	jobs      *registry.Registry
	executors *executor.Registry
	notifier  Notifier
	archive   Archive
	logger    *slog.Logger
	opts      Options
	wg        sync.WaitGroup
}

// NewEngine creates a job engine. archive may be nil.
func NewEngine(jobs *registry.Registry, executors *executor.Registry, n Notifier, archive Archive, logger *slog.Logger, opts Options) *Engine {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	return &Engine{
		jobs:      jobs,
		executors: executors,
		notifier:  n,
		archive:   archive,
		logger:    logger,
		opts:      opts,
	}
}

var (
	errAlreadyCancelled = errors.New("job already cancelled")
	errSignalIgnored    = errors.New("signal ignored")
)

// Start validates and registers a job, marks it running, and dispatches it
// to an executor in the background. It returns as soon as the job is running.
func (e *Engine) Start(ctx context.Context, req model.JobRequest) (model.Job, error) {
	valid, err := validation.Job(req, e.opts.Limits)
	if err != nil {
		jobsRejected.WithLabelValues(model.CodeOf(err)).Inc()
		return model.Job{}, err
	}

	now := time.Now().UTC()
	running := model.Job{
		ID:        valid.ID,
		Status:    model.StatusRunning,
		Progress:  model.Progress{Total: valid.ArtifactCount, Phase: model.PhaseGenerating},
		Config:    valid.Config,
		Route:     valid.Route,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// The job becomes visible already running, with its start notice queued.
	if err := e.jobs.InsertThen(running, func(j model.Job) {
		e.notifier.NotifyProgress(progressOf(j))
	}); err != nil {
		jobsRejected.WithLabelValues(model.CodeOf(err)).Inc()
		return model.Job{}, err
	}
	jobsStarted.Inc()
	e.save(context.WithoutCancel(ctx), running)

	cmd := executor.Command{
		Kind:          executor.CommandGenerate,
		JobID:         running.ID,
		ArtifactCount: running.Progress.Total,
		Config:        running.Config,
	}
	e.wg.Go(func() {
		e.dispatch(cmd, running.Route)
	})

	e.logger.Info("job started", "job_id", running.ID, "artifact_count", running.Progress.Total, "route", running.Route)
	return running, nil
}

// OnArtifactReady folds one artifact signal into its job. Signals for unknown
// or finished jobs, out-of-range or repeated indices, and invalid locators
// are ignored. It reports whether the signal advanced the job.
func (e *Engine) OnArtifactReady(sig model.ArtifactSignal) bool {
	if err := validation.JobID(sig.JobID); err != nil {
		e.ignoreSignal(sig, err)
		return false
	}
	if err := validation.Locator(sig.Locator); err != nil {
		e.ignoreSignal(sig, err)
		return false
	}
	if sig.Index < 0 {
		e.ignoreSignal(sig, fmt.Errorf("negative index %d", sig.Index))
		return false
	}

	completed := false
	job, err := e.jobs.Apply(sig.JobID, func(j *model.Job) error {
		switch {
		case j.Status != model.StatusRunning:
			return fmt.Errorf("%w: job is %s", errSignalIgnored, j.Status)
		case sig.Index >= j.Progress.Total:
			return fmt.Errorf("%w: index %d out of range for %d artifacts", errSignalIgnored, sig.Index, j.Progress.Total)
		case j.HasArtifact(sig.Index):
			return fmt.Errorf("%w: duplicate index %d", errSignalIgnored, sig.Index)
		}

		now := time.Now().UTC()
		j.Artifacts = append(j.Artifacts, model.Artifact{
			Index:      sig.Index,
			Locator:    sig.Locator,
			Label:      sig.Label,
			ReceivedAt: now,
		})
		j.Progress.Current++
		if j.Progress.Current == j.Progress.Total {
			j.Status = model.StatusCompleted
			j.Progress.Phase = model.PhaseComplete
			j.FinishedAt = &now
			completed = true
		}
		return nil
	}, func(j model.Job) {
		if completed {
			e.notifier.NotifyComplete(model.CompletionNotice{JobID: j.ID, Count: j.Progress.Total})
			return
		}
		e.notifier.NotifyProgress(progressOf(j))
	})
	if err != nil {
		e.ignoreSignal(sig, err)
		return false
	}

	artifactSignals.WithLabelValues("accepted").Inc()
	if completed {
		jobsFinished.WithLabelValues(model.StatusCompleted).Inc()
		e.save(context.Background(), job)
		e.logger.Info("job completed", "job_id", job.ID, "artifact_count", job.Progress.Total)
	}
	return true
}

// OnJobFailed moves a live job to the error state on the executor's report.
// It reports whether the job was failed by this call.
func (e *Engine) OnJobFailed(sig model.FailureSignal) bool {
	reason := sig.Reason
	if reason == "" {
		reason = "executor reported failure"
	}
	job, err := e.jobs.Apply(sig.JobID, func(j *model.Job) error {
		if !model.ValidTransition(j.Status, model.StatusError) {
			return fmt.Errorf("%w: job is %s", errSignalIgnored, j.Status)
		}
		now := time.Now().UTC()
		j.Status = model.StatusError
		j.Progress.Phase = model.PhaseFailed
		j.Error = reason
		j.FinishedAt = &now
		return nil
	}, func(j model.Job) {
		e.notifier.NotifyError(model.ErrorNotice{
			Code:    model.CodeJobFailed,
			Message: reason,
			Context: map[string]string{"job_id": j.ID},
		})
	})
	if err != nil {
		e.logger.Debug("failure signal ignored", "job_id", sig.JobID, "error", err)
		return false
	}

	jobsFinished.WithLabelValues(model.StatusError).Inc()
	e.save(context.Background(), job)
	e.logger.Warn("job failed", "job_id", job.ID, "reason", reason, "artifacts", job.Progress.Current)
	return true
}

// Cancel stops a running job. Concurrent cancels of the same job converge:
// exactly one observes "cancelled", the rest "already_cancelled". An unknown
// or malformed job id is returned as an error and also reported as an error
// notice.
func (e *Engine) Cancel(ctx context.Context, id string) (model.CancelResult, error) {
	if err := validation.JobID(id); err != nil {
		reason := model.AsError(err, model.CodeInvalidJobID)
		e.notifier.NotifyError(model.ErrorNotice{
			Code:    reason.Code,
			Message: fmt.Sprintf("cannot cancel job: %s", reason.Message),
			Context: map[string]string{"job_id": id},
		})
		return model.CancelResult{Error: reason}, err
	}

	job, err := e.jobs.Apply(id, func(j *model.Job) error {
		if j.Status == model.StatusCancelled {
			return errAlreadyCancelled
		}
		if !model.ValidTransition(j.Status, model.StatusCancelled) {
			return model.Errorf(model.CodeJobAlreadyTerminal, "job %q is already %s", j.ID, j.Status)
		}
		now := time.Now().UTC()
		j.Status = model.StatusCancelled
		j.Progress.Phase = model.PhaseCancelled
		j.FinishedAt = &now
		return nil
	}, func(j model.Job) {
		e.notifier.NotifyProgress(progressOf(j))
	})

	switch {
	case errors.Is(err, errAlreadyCancelled):
		return model.CancelResult{Accepted: true, Operation: model.OperationAlreadyCancelled}, nil
	case model.CodeOf(err) == model.CodeJobNotFound:
		e.notifier.NotifyError(model.ErrorNotice{
			Code:    model.CodeJobNotFound,
			Message: fmt.Sprintf("cannot cancel job %q: not found", id),
			Context: map[string]string{"job_id": id},
		})
		return model.CancelResult{Error: model.AsError(err, model.CodeJobNotFound)}, err
	case err != nil:
		return model.CancelResult{Error: model.AsError(err, model.CodeJobAlreadyTerminal)}, err
	}

	jobsFinished.WithLabelValues(model.StatusCancelled).Inc()
	e.save(context.WithoutCancel(ctx), job)
	e.wg.Go(func() {
		e.dispatch(executor.Command{Kind: executor.CommandCancel, JobID: job.ID}, job.Route)
	})
	e.logger.Info("job cancelled", "job_id", job.ID, "artifacts", job.Progress.Current, "total", job.Progress.Total)
	return model.CancelResult{Accepted: true, Operation: model.OperationCancelled}, nil
}

// CancelAll drops every job without per-job notifications and sends a
// best-effort cancel command for each job that was still running.
func (e *Engine) CancelAll() int {
	removed := e.jobs.Clear()
	for _, j := range removed {
		if model.IsTerminal(j.Status) {
			continue
		}
		cmd := executor.Command{Kind: executor.CommandCancel, JobID: j.ID}
		route := j.Route
		e.wg.Go(func() {
			e.dispatch(cmd, route)
		})
	}
	e.logger.Info("all jobs cleared", "count", len(removed))
	return len(removed)
}

// GetJob returns a snapshot of a job.
func (e *Engine) GetJob(id string) (model.Job, error) {
	if err := validation.JobID(id); err != nil {
		return model.Job{}, err
	}
	return e.jobs.Get(id)
}

// ListJobs returns snapshots of every registered job.
func (e *Engine) ListJobs() []model.Job {
	return e.jobs.List()
}

// RunJanitor evicts expired and surplus finished jobs every interval until ctx is done.
func (e *Engine) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.jobs.Cleanup(); n > 0 {
				jobsEvicted.Add(float64(n))
				e.logger.Info("janitor evicted jobs", "evicted", n, "remaining", e.jobs.Len())
			}
		}
	}
}

// Wait blocks until all in-flight dispatch goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) dispatch(cmd executor.Command, route string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.DispatchTimeout)
	defer cancel()

	ex, err := e.executors.Resolve(route)
	if err != nil {
		e.logger.Error("resolve executor", "job_id", cmd.JobID, "kind", cmd.Kind, "route", route, "error", err)
		return
	}
	if err := ex.Dispatch(ctx, cmd); err != nil {
		e.logger.Error("dispatch failed", "job_id", cmd.JobID, "kind", cmd.Kind, "route", route, "error", err)
	}
}

func (e *Engine) save(ctx context.Context, j model.Job) {
	if e.archive == nil {
		return
	}
	if err := e.archive.SaveJob(ctx, &j); err != nil {
		e.logger.Error("failed to archive job", "job_id", j.ID, "status", j.Status, "error", err)
	}
}

func (e *Engine) ignoreSignal(sig model.ArtifactSignal, reason error) {
	artifactSignals.WithLabelValues("ignored").Inc()
	e.logger.Debug("artifact signal ignored", "job_id", sig.JobID, "index", sig.Index, "reason", reason)
}

func progressOf(j model.Job) model.ProgressUpdate {
	return model.ProgressUpdate{JobID: j.ID, Status: j.Status, Progress: j.Progress}
}
