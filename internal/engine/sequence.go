package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/executor"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/validation"
)

// DefaultStepTimeout bounds the wait for one item's production outcome.
const DefaultStepTimeout = 120 * time.Second

// outcomeBufferSize is the number of step outcomes buffered while the run
// loop is between waits.
const outcomeBufferSize = 8

// SequencerOptions configures a Sequencer.
type SequencerOptions struct {
	StepTimeout     time.Duration
	DispatchTimeout time.Duration
}

// Sequencer runs at most one sequence at a time.
type Sequencer struct {
	executors *executor.Registry
	notifier  Notifier
	archive   Archive
	logger    *slog.Logger
	opts      SequencerOptions

	mu  sync.RWMutex
	run *sequenceRun
	wg  sync.WaitGroup
}

type sequenceRun struct {
	id        string
	common    model.SequenceCommon
	items     []model.SequenceItem
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	outcomes  chan model.StepOutcome

	// guarded by Sequencer.mu
	index     int
	phase     string
	completed int
}

// stepError ends a run at the current item with a specific error code.
type stepError struct {
	code string
	msg  string
}

func (e *stepError) Error() string { return e.msg }

var errRunCancelled = errors.New("sequence cancelled")

// NewSequencer creates a sequencer. archive may be nil.
func NewSequencer(executors *executor.Registry, n Notifier, archive Archive, logger *slog.Logger, opts SequencerOptions) *Sequencer {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	return &Sequencer{
		executors: executors,
		notifier:  n,
		archive:   archive,
		logger:    logger,
		opts:      opts,
	}
}

// Submit validates a sequence and starts running it in the background. An
// empty sequence is acknowledged without running anything.
func (s *Sequencer) Submit(ctx context.Context, req model.SequenceRequest) (model.SequenceAck, error) {
	if err := validation.Sequence(req.Items); err != nil {
		ve := model.AsError(err, model.CodeSequenceValidationFailed)
		s.notifier.NotifyError(model.ErrorNotice{
			Code:    ve.Code,
			Message: ve.Message,
			Context: map[string]string{"field": ve.Field},
		})
		sequenceRuns.WithLabelValues("rejected").Inc()
		return model.SequenceAck{}, err
	}
	if len(req.Items) == 0 {
		return model.SequenceAck{Accepted: true}, nil
	}

	s.mu.Lock()
	if s.run != nil {
		id := s.run.id
		s.mu.Unlock()
		sequenceRuns.WithLabelValues("rejected").Inc()
		return model.SequenceAck{}, model.Errorf(model.CodeSequenceAlreadyRunning, "sequence %s is still running", id)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &sequenceRun{
		id:        model.NewID(),
		common:    req.Common,
		items:     slices.Clone(req.Items),
		startedAt: time.Now().UTC(),
		ctx:       runCtx,
		cancel:    cancel,
		outcomes:  make(chan model.StepOutcome, outcomeBufferSize),
		phase:     model.PhaseApplying,
	}
	s.run = run
	s.mu.Unlock()

	s.wg.Go(func() {
		s.execute(run)
	})

	s.logger.Info("sequence started", "sequence_id", run.id, "items", len(run.items))
	return model.SequenceAck{Accepted: true, SequenceID: run.id, Total: len(run.items)}, nil
}

// CurrentProgress returns a snapshot of the active run, or nil when idle.
func (s *Sequencer) CurrentProgress() *model.SequenceProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run := s.run
	if run == nil {
		return nil
	}
	return &model.SequenceProgress{
		SequenceID:  run.id,
		Index:       run.index,
		Total:       len(run.items),
		CurrentItem: run.items[run.index],
		Phase:       run.phase,
		StartedAt:   run.startedAt,
	}
}

// Cancel requests cooperative cancellation of the active run. The run stops
// at its next checkpoint. It reports whether a run was active.
func (s *Sequencer) Cancel() bool {
	s.mu.RLock()
	run := s.run
	s.mu.RUnlock()
	if run == nil {
		return false
	}
	run.cancel()
	s.logger.Info("sequence cancel requested", "sequence_id", run.id)
	return true
}

// OnStepOutcome hands an executor's step outcome to the active run. It
// reports whether the outcome was accepted.
func (s *Sequencer) OnStepOutcome(o model.StepOutcome) bool {
	s.mu.RLock()
	run := s.run
	s.mu.RUnlock()
	if run == nil {
		s.logger.Debug("step outcome ignored: no active sequence", "result", o.Result)
		return false
	}
	select {
	case run.outcomes <- o:
		return true
	default:
		s.logger.Warn("step outcome dropped: buffer full", "sequence_id", run.id, "result", o.Result)
		return false
	}
}

// Wait blocks until the active run, if any, has finished.
func (s *Sequencer) Wait() {
	s.wg.Wait()
}

func (s *Sequencer) execute(run *sequenceRun) {
	defer s.finish(run)
	total := len(run.items)

	for i, item := range run.items {
		if run.ctx.Err() != nil {
			s.abort(run, i)
			return
		}
		stepStart := time.Now()
		merged := Merge(run.common, item)

		s.advance(run, i, model.PhaseApplying)
		if err := s.send(run, executor.CommandApply, i, merged); err != nil {
			if run.ctx.Err() != nil {
				s.abort(run, i)
				return
			}
			s.fail(run, i, model.CodeSequenceStepFailed, fmt.Sprintf("applying item %d (%s): %v", i, item.ID, err))
			return
		}

		drainOutcomes(run.outcomes)
		s.advance(run, i, model.PhaseProducing)
		if err := s.send(run, executor.CommandProduce, i, merged); err != nil {
			if run.ctx.Err() != nil {
				s.abort(run, i)
				return
			}
			s.fail(run, i, model.CodeSequenceStepFailed, fmt.Sprintf("producing item %d (%s): %v", i, item.ID, err))
			return
		}

		err := s.awaitOutcome(run, i)
		var se *stepError
		switch {
		case errors.Is(err, errRunCancelled):
			s.abort(run, i)
			return
		case errors.As(err, &se):
			s.fail(run, i, se.code, fmt.Sprintf("item %d (%s): %s", i, item.ID, se.msg))
			return
		}

		stepDuration.Observe(time.Since(stepStart).Seconds())
		sequenceItems.WithLabelValues(model.OutcomeSuccess).Inc()

		s.mu.Lock()
		run.phase = model.PhaseCompleted
		run.completed = i + 1
		s.mu.Unlock()
		s.notifier.NotifyProgress(model.ProgressUpdate{
			SequenceID: run.id,
			Status:     model.StatusRunning,
			Progress:   model.Progress{Current: i + 1, Total: total, Phase: model.PhaseCompleted},
		})
	}

	if run.ctx.Err() != nil {
		s.abort(run, total-1)
		return
	}
	s.notifier.NotifyComplete(model.CompletionNotice{SequenceID: run.id, Count: total})
	s.finish(run)
	sequenceRuns.WithLabelValues(model.StatusCompleted).Inc()
	s.save(run, model.StatusCompleted, nil, "")
	s.logger.Info("sequence completed", "sequence_id", run.id, "items", total, "duration", time.Since(run.startedAt))
}

// advance records the run position and emits a progress update for it.
func (s *Sequencer) advance(run *sequenceRun, i int, phase string) {
	s.mu.Lock()
	run.index = i
	run.phase = phase
	completed := run.completed
	s.mu.Unlock()

	s.notifier.NotifyProgress(model.ProgressUpdate{
		SequenceID: run.id,
		Status:     model.StatusRunning,
		Progress:   model.Progress{Current: completed, Total: len(run.items), Phase: phase},
	})
	s.logger.Debug("sequence step", "sequence_id", run.id, "index", i, "phase", phase)
}

func (s *Sequencer) send(run *sequenceRun, kind string, i int, merged model.MergedConfig) error {
	ex, err := s.executors.Resolve(merged.Route)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(run.ctx, s.opts.DispatchTimeout)
	defer cancel()
	return ex.Dispatch(ctx, executor.Command{
		Kind:       kind,
		SequenceID: run.id,
		ItemIndex:  i,
		Item:       &merged,
	})
}

func (s *Sequencer) awaitOutcome(run *sequenceRun, i int) error {
	timer := time.NewTimer(s.opts.StepTimeout)
	defer timer.Stop()

	for {
		select {
		case <-run.ctx.Done():
			return errRunCancelled
		case <-timer.C:
			return &stepError{code: model.CodeSequenceStepTimeout, msg: fmt.Sprintf("no outcome within %s", s.opts.StepTimeout)}
		case o := <-run.outcomes:
			if o.ItemIndex != nil && *o.ItemIndex != i {
				s.logger.Debug("stale step outcome ignored", "sequence_id", run.id, "index", i, "outcome_index", *o.ItemIndex)
				continue
			}
			switch o.Result {
			case model.OutcomeSuccess:
				return nil
			case model.OutcomeTimeout:
				return &stepError{code: model.CodeSequenceStepTimeout, msg: outcomeMessage(o, "executor timed out")}
			default:
				return &stepError{code: model.CodeSequenceStepFailed, msg: outcomeMessage(o, "executor reported failure")}
			}
		}
	}
}

func (s *Sequencer) fail(run *sequenceRun, i int, code, msg string) {
	s.mu.Lock()
	run.phase = model.PhaseError
	s.mu.Unlock()

	result := model.OutcomeFailure
	if code == model.CodeSequenceStepTimeout {
		result = model.OutcomeTimeout
	}
	sequenceItems.WithLabelValues(result).Inc()
	sequenceRuns.WithLabelValues(model.StatusError).Inc()

	s.notifier.NotifyError(model.ErrorNotice{
		Code:    code,
		Message: msg,
		Context: map[string]string{
			"sequence_id": run.id,
			"item_index":  strconv.Itoa(i),
			"item_id":     run.items[i].ID,
		},
	})
	s.finish(run)
	s.save(run, model.StatusError, &i, msg)
	s.logger.Warn("sequence aborted", "sequence_id", run.id, "index", i, "code", code, "error", msg)
}

func (s *Sequencer) abort(run *sequenceRun, i int) {
	s.mu.Lock()
	completed := run.completed
	s.mu.Unlock()

	sequenceRuns.WithLabelValues(model.StatusCancelled).Inc()
	msg := fmt.Sprintf("sequence cancelled at item %d after %d of %d items", i, completed, len(run.items))
	s.notifier.NotifyError(model.ErrorNotice{
		Code:    model.CodeSequenceCancelled,
		Message: msg,
		Context: map[string]string{
			"sequence_id": run.id,
			"item_index":  strconv.Itoa(i),
			"completed":   strconv.Itoa(completed),
		},
	})
	s.finish(run)
	s.save(run, model.StatusCancelled, nil, msg)

	s.wg.Go(func() {
		s.cancelExecutor(run, i)
	})
	s.logger.Info("sequence cancelled", "sequence_id", run.id, "index", i, "completed", completed)
}

// cancelExecutor tells the executor of the interrupted item to stop. Best effort.
func (s *Sequencer) cancelExecutor(run *sequenceRun, i int) {
	route := Merge(run.common, run.items[i]).Route
	ex, err := s.executors.Resolve(route)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DispatchTimeout)
	defer cancel()
	if err := ex.Dispatch(ctx, executor.Command{Kind: executor.CommandCancel, SequenceID: run.id, ItemIndex: i}); err != nil {
		s.logger.Debug("sequence cancel dispatch failed", "sequence_id", run.id, "error", err)
	}
}

// finish releases the active slot so a new sequence can be submitted. The
// terminal notice is enqueued before it is called. It is safe to call more
// than once.
func (s *Sequencer) finish(run *sequenceRun) {
	s.mu.Lock()
	if s.run == run {
		s.run = nil
	}
	s.mu.Unlock()
	run.cancel()
}

func (s *Sequencer) save(run *sequenceRun, status string, failedItem *int, msg string) {
	if s.archive == nil {
		return
	}
	s.mu.RLock()
	completed := run.completed
	s.mu.RUnlock()

	now := time.Now().UTC()
	rec := &model.SequenceRecord{
		ID:         run.id,
		Status:     status,
		Total:      len(run.items),
		Completed:  completed,
		FailedItem: failedItem,
		Error:      msg,
		StartedAt:  run.startedAt,
		FinishedAt: &now,
	}
	if err := s.archive.SaveSequenceRun(context.Background(), rec); err != nil {
		s.logger.Error("failed to archive sequence", "sequence_id", run.id, "error", err)
	}
}

func drainOutcomes(ch chan model.StepOutcome) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func outcomeMessage(o model.StepOutcome, fallback string) string {
	if o.Message != "" {
		return o.Message
	}
	return fallback
}
