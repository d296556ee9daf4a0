package model

import "time"

// Sequence phase constants.
const (
	PhaseApplying  = "applying"
	PhaseProducing = "producing"
	PhaseCompleted = "completed"
	PhaseError     = "error"
)

// Step outcome results.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// SequenceItem is one configuration to apply in a sequence run.
type SequenceItem struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Content   string         `json:"content" yaml:"content"`
	Negative  string         `json:"negative,omitempty" yaml:"negative,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Route     string         `json:"route,omitempty" yaml:"route,omitempty"`
}

// SequenceCommon holds fields shared by every item of a sequence.
type SequenceCommon struct {
	Content  string `json:"content,omitempty" yaml:"content,omitempty"`
	Negative string `json:"negative,omitempty" yaml:"negative,omitempty"`
	Route    string `json:"route,omitempty" yaml:"route,omitempty"`
}

// SequenceRequest asks for items to be applied and produced one at a time.
type SequenceRequest struct {
	Common SequenceCommon `json:"common" yaml:"common"`
	Items  []SequenceItem `json:"items" yaml:"items"`
}

// MergedConfig is the configuration sent to the executor for one item.
type MergedConfig struct {
	ItemID    string         `json:"item_id"`
	Name      string         `json:"name"`
	Content   string         `json:"content"`
	Negative  string         `json:"negative,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty"`
	Route     string         `json:"route,omitempty"`
}

// SequenceAck acknowledges a submitted sequence.
type SequenceAck struct {
	Accepted   bool   `json:"accepted"`
	SequenceID string `json:"sequence_id,omitempty"`
	Total      int    `json:"total"`
}

// SequenceProgress is a snapshot of the active sequence run.
type SequenceProgress struct {
	SequenceID  string       `json:"sequence_id"`
	Index       int          `json:"index"`
	Total       int          `json:"total"`
	CurrentItem SequenceItem `json:"current_item"`
	Phase       string       `json:"phase"`
	StartedAt   time.Time    `json:"started_at"`
}

// StepOutcome is the executor's report on the production step of the current item.
type StepOutcome struct {
	ItemIndex *int   `json:"item_index,omitempty"`
	Result    string `json:"result"`
	Message   string `json:"message,omitempty"`
}

// SequenceRecord is the archived summary of a finished sequence run.
type SequenceRecord struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	FailedItem *int       `json:"failed_item,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
