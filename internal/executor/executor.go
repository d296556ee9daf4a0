package executor

import (
	"context"
	"encoding/json"

	"github.com/seantiz/kiln/internal/model"
)

// Command kinds.
const (
	CommandGenerate = "generate"
	CommandApply    = "apply"
	CommandProduce  = "produce"
	CommandCancel   = "cancel"
)

// Executor is the interface every executor transport implements.
type Executor interface {
	// Dispatch delivers a command. It returns once the executor has accepted
	// the command; the work itself is reported later through signals.
	Dispatch(ctx context.Context, cmd Command) error

	// Info describes the executor for listing.
	Info() Info
}

// Command is an instruction sent to an executor.
type Command struct {
	Kind          string              `json:"kind"`
	JobID         string              `json:"job_id,omitempty"`
	ArtifactCount int                 `json:"artifact_count,omitempty"`
	Config        json.RawMessage     `json:"config,omitempty"`
	SequenceID    string              `json:"sequence_id,omitempty"`
	ItemIndex     int                 `json:"item_index,omitempty"`
	Item          *model.MergedConfig `json:"item,omitempty"`
}

// Info describes a registered executor.
type Info struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Address   string `json:"address"`
	Default   bool   `json:"default"`
}

// SignalSink receives the signals executors push back to kiln.
type SignalSink interface {
	ArtifactReady(ctx context.Context, sig model.ArtifactSignal) error
	JobFailed(ctx context.Context, sig model.FailureSignal) error
	StepOutcome(ctx context.Context, outcome model.StepOutcome) error
}
