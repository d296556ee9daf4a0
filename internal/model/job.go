package model

import (
	"encoding/json"
	"slices"
	"time"
)

// Job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Job progress phase constants.
const (
	PhaseQueued     = "queued"
	PhaseGenerating = "generating"
	PhaseComplete   = "complete"
	PhaseCancelled  = "cancelled"
	PhaseFailed     = "failed"
)

// Cancel operation results.
const (
	OperationCancelled        = "cancelled"
	OperationAlreadyCancelled = "already_cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusError:     true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusCancelled: true,
		StatusError:     true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status accepts no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled || status == StatusError
}

// Progress tracks how many of a job's requested artifacts have been produced.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Phase   string `json:"phase"`
}

// Artifact is one produced output reported by an executor.
type Artifact struct {
	Index      int       `json:"index"`
	Locator    string    `json:"locator"`
	Label      string    `json:"label,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// JobRequest is a caller's request to produce artifacts. ArtifactCount stays a
// json.Number so non-integer input can be rejected instead of truncated.
type JobRequest struct {
	ID            string          `json:"id"`
	ArtifactCount json.Number     `json:"artifact_count"`
	Config        json.RawMessage `json:"config,omitempty"`
	Route         string          `json:"route,omitempty"`
}

// JobSpec is a validated JobRequest.
type JobSpec struct {
	ID            string
	ArtifactCount int
	Config        json.RawMessage
	Route         string
}

// Job is a request to produce a fixed number of artifacts under an opaque configuration.
type Job struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Progress   Progress        `json:"progress"`
	Config     json.RawMessage `json:"config,omitempty"`
	Route      string          `json:"route,omitempty"`
	Artifacts  []Artifact      `json:"artifacts,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of j.
func (j Job) Clone() Job {
	c := j
	c.Config = slices.Clone(j.Config)
	c.Artifacts = slices.Clone(j.Artifacts)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// HasArtifact reports whether an artifact with the given index was already recorded.
func (j *Job) HasArtifact(index int) bool {
	for _, a := range j.Artifacts {
		if a.Index == index {
			return true
		}
	}
	return false
}

// ArtifactSignal is the executor's report that one artifact is ready.
type ArtifactSignal struct {
	JobID   string `json:"job_id"`
	Locator string `json:"locator"`
	Index   int    `json:"index"`
	Label   string `json:"label,omitempty"`
}

// FailureSignal is the executor's report that a job cannot continue.
type FailureSignal struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// CancelResult is the outcome of a cancel request.
type CancelResult struct {
	Accepted  bool   `json:"accepted"`
	Operation string `json:"operation,omitempty"`
	Error     *Error `json:"error,omitempty"`
}

// JobStats holds aggregate counts of archived jobs.
type JobStats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ArtifactsMade int            `json:"artifacts_made"`
}
