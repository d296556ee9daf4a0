package model

import "time"

// Notification kinds.
const (
	KindProgress = "progress"
	KindError    = "error"
	KindComplete = "complete"
)

// ProgressUpdate reports a job or sequence moving forward or being cancelled.
type ProgressUpdate struct {
	JobID      string   `json:"job_id,omitempty"`
	SequenceID string   `json:"sequence_id,omitempty"`
	Status     string   `json:"status"`
	Progress   Progress `json:"progress"`
}

// ErrorNotice reports a failure with its stable code.
type ErrorNotice struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

// CompletionNotice reports that a job or sequence finished successfully.
type CompletionNotice struct {
	JobID      string `json:"job_id,omitempty"`
	SequenceID string `json:"sequence_id,omitempty"`
	Count      int    `json:"count"`
}

// Notification is the envelope delivered to every transport. Exactly one of
// Progress, Error and Completion is set, matching Kind.
type Notification struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	CreatedAt  time.Time         `json:"created_at"`
	Progress   *ProgressUpdate   `json:"progress,omitempty"`
	Error      *ErrorNotice      `json:"error,omitempty"`
	Completion *CompletionNotice `json:"completion,omitempty"`
}

// Subject returns the job or sequence id the notification is about.
func (n Notification) Subject() string {
	switch {
	case n.Progress != nil:
		if n.Progress.JobID != "" {
			return n.Progress.JobID
		}
		return n.Progress.SequenceID
	case n.Completion != nil:
		if n.Completion.JobID != "" {
			return n.Completion.JobID
		}
		return n.Completion.SequenceID
	case n.Error != nil:
		if id := n.Error.Context["job_id"]; id != "" {
			return id
		}
		return n.Error.Context["sequence_id"]
	}
	return ""
}

// Terminal reports whether the notification closes out its subject.
func (n Notification) Terminal() bool {
	switch n.Kind {
	case KindComplete, KindError:
		return true
	case KindProgress:
		return n.Progress != nil && n.Progress.Status == StatusCancelled
	}
	return false
}
