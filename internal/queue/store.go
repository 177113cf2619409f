package queue

import (
	"context"
	"errors"
	"time"
)

// ErrStaleLease is returned when an ack/fail arrives with a lease token
// that no longer matches the job, meaning the lease expired and the job was
// handed to another worker.
var ErrStaleLease = errors.New("queue: stale lease")

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("queue: job not found")

// Store is the durable backing of a queue. Implementations must make every
// state move atomic: a job is always in exactly one of pending, delayed,
// active or a terminal retention list.
type Store interface {
	// Put durably writes the job and indexes it as pending when its Status
	// is pending, otherwise as delayed until NextVisibleAt. An existing
	// non-active job with the same id is replaced.
	Put(ctx context.Context, job *Job) error

	// Reserve atomically moves the highest-priority visible pending job to
	// active with a fresh lease and increments AttemptsMade. Returns
	// ErrNotFound when nothing is visible.
	Reserve(ctx context.Context, queue, workerID string, lease time.Duration, now time.Time) (*Job, error)

	// Ack completes the job. keep bounds the retention list; zero retains
	// nothing.
	Ack(ctx context.Context, queue, id, lease, progress string, keep int, now time.Time) error

	// Retry reschedules the job into the delayed set.
	Retry(ctx context.Context, queue, id, lease string, visibleAt time.Time, lastErr string) error

	// Fail terminal-fails the job.
	Fail(ctx context.Context, queue, id, lease, lastErr string, keep int, now time.Time) error

	// PromoteDue moves delayed jobs whose visibility arrived into pending.
	PromoteDue(ctx context.Context, queue string, now time.Time) (int, error)

	// ReclaimExpired returns jobs with expired leases to pending.
	ReclaimExpired(ctx context.Context, queue string, now time.Time) (int, error)

	// Get loads a job snapshot.
	Get(ctx context.Context, queue, id string) (*Job, error)

	// Remove deletes a job outright (queue flush on account delete).
	Remove(ctx context.Context, queue, id string) error

	// PendingCount reports currently visible jobs.
	PendingCount(ctx context.Context, queue string) (int64, error)
}

// score orders the pending set: higher priority first, then FIFO by
// creation time.
func score(j *Job) float64 {
	return float64(j.CreatedAt.UnixMilli()) - float64(j.Priority)*1e12
}
