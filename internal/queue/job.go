// Package queue implements the durable at-least-once work queue driving
// submission and notification delivery. Jobs live in the key-value store;
// visibility moves between pending, delayed and active sets with leases so
// crashed consumers lose nothing.
package queue

import (
	"time"
)

// Queue names used by the engine.
const (
	Submit = "submit"
	Notify = "notify"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusDelayed   = "delayed"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Backoff describes the retry schedule. Only exponential is supported:
// delay after the n-th attempt is BaseDelay << (n-1).
type Backoff struct {
	Type      string        `json:"type"`
	BaseDelay time.Duration `json:"baseDelayMs"`
}

// Job is one unit of queued work.
type Job struct {
	ID            string
	Queue         string
	Payload       []byte
	AttemptsMade  int
	MaxAttempts   int
	Backoff       Backoff
	Priority      int
	NextVisibleAt time.Time
	Status        string
	Progress      string
	LastError     string
	CreatedAt     time.Time
	FinishedAt    time.Time

	// lease is the reservation token of the current attempt. A stale worker
	// whose lease expired cannot ack or fail the job.
	lease string
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// retryDelay returns the backoff before the next attempt, based on the
// attempts already made.
func (j *Job) retryDelay() time.Duration {
	if j.AttemptsMade < 1 {
		return j.Backoff.BaseDelay
	}
	return j.Backoff.BaseDelay << (j.AttemptsMade - 1)
}

// EnqueueOpts controls scheduling of a new job.
type EnqueueOpts struct {
	// Attempts bounds delivery attempts; zero means 1.
	Attempts int
	// BaseDelay seeds the exponential backoff between retries.
	BaseDelay time.Duration
	// Delay postpones first visibility.
	Delay time.Duration
	// Priority raises a job over older peers; higher runs first.
	Priority int
	// JobID pins the job id. Re-enqueueing with the same id replaces the
	// prior pending entry instead of double-delivering.
	JobID string
}

// Result is a job handler's verdict. The engine dispatches on the variant
// instead of inspecting error values.
type Result struct {
	kind     resultKind
	progress string
	err      error
}

type resultKind int

const (
	resultOk resultKind = iota
	resultRetry
	resultDiscard
)

// Ok marks the job completed with the given progress note.
func Ok(progress string) Result {
	return Result{kind: resultOk, progress: progress}
}

// Retry schedules another attempt if the budget allows, otherwise the job
// terminal-fails.
func Retry(err error) Result {
	return Result{kind: resultRetry, err: err}
}

// Discard terminal-fails the job regardless of attempts left. Used for
// permanent errors.
func Discard(err error) Result {
	return Result{kind: resultDiscard, err: err}
}

// Handler processes one reserved job.
type Handler func(job *Job) Result
