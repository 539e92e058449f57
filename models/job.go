package models

import "time"

// JobStatus is the lifecycle state of an extraction job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal states are
// immutable: no transition leaves them.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether a job may move from one status to another.
// Transitions only move forward: queued → running → {succeeded, failed,
// cancelled}. A queued job may be cancelled before it starts.
func ValidTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Job is the caller-visible record of one extraction job. Snapshots returned
// by Status() are copies; mutating them has no effect on the engine.
type Job struct {
	ID      string    `json:"id"`
	Status  JobStatus `json:"status"`
	Locator string    `json:"locator"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Attempts counts navigation attempts made so far (1 + retries).
	Attempts int `json:"attempts,omitempty"`

	// CancelRequested is set once Cancel is called; the job observes it at
	// the next suspension point.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	Result *ExtractionResult `json:"result,omitempty"`
	Error  *ErrorDetail      `json:"error,omitempty"`
}
