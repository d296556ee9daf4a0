package engine

import (
	"context"

	"github.com/seantiz/kiln/internal/executor"
	"github.com/seantiz/kiln/internal/model"
)

// Signals routes executor signals to the job engine and the sequencer.
// Ignored signals are not errors to the executor that sent them.
type Signals struct {
	Jobs      *Engine
	Sequences *Sequencer
}

var _ executor.SignalSink = Signals{}

// ArtifactReady implements executor.SignalSink.
func (s Signals) ArtifactReady(_ context.Context, sig model.ArtifactSignal) error {
	s.Jobs.OnArtifactReady(sig)
	return nil
}

// JobFailed implements executor.SignalSink.
func (s Signals) JobFailed(_ context.Context, sig model.FailureSignal) error {
	s.Jobs.OnJobFailed(sig)
	return nil
}

// StepOutcome implements executor.SignalSink.
func (s Signals) StepOutcome(_ context.Context, o model.StepOutcome) error {
	s.Sequences.OnStepOutcome(o)
	return nil
}
