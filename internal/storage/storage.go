package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no job matches an ID or ID prefix.
var ErrNotFound = errors.New("job not found")

// Outcome is how a dispatched job ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCapped    Outcome = "capped"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Job is the record of one finished execution.
type Job struct {
	ID         string        `json:"id"`
	Runner     string        `json:"runner"`
	Sandbox    string        `json:"sandbox"`
	Outcome    Outcome       `json:"outcome"`
	Lines      []string      `json:"lines"`
	CodeSize   int           `json:"code_size"`
	Duration   time.Duration `json:"duration"`
	RemoteAddr string        `json:"remote_addr,omitempty"`
	Subject    string        `json:"subject,omitempty"` // authenticated key or token subject
	CreatedAt  time.Time     `json:"created_at"`
}

// JobListOptions controls filtering and pagination for ListJobs.
type JobListOptions struct {
	Runner  string
	Outcome Outcome
	Limit   int
	Offset  int
}

// Store is the persistence interface for job history.
type Store interface {
	// SaveJob inserts a job. The ID field must be set by the caller.
	SaveJob(ctx context.Context, j *Job) error

	// GetJob returns a job by ID or unique ID prefix.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns jobs ordered by created_at descending.
	ListJobs(ctx context.Context, opts JobListOptions) ([]Job, error)

	// DeleteJob removes a job by ID or unique ID prefix.
	DeleteJob(ctx context.Context, id string) error

	// PruneJobs removes jobs created before the cutoff and returns how many.
	PruneJobs(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources.
	Close() error
}
