package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/jhult/emailengine/internal/metrics"
)

// FailedFunc is invoked when a job terminal-fails, so upstream can emit a
// messageFailed notification.
type FailedFunc func(queue string, job *Job)

// Engine is the queue facade shared by producers and consumers.
type Engine struct {
	store    Store
	keep     int
	lease    time.Duration
	logger   *log.Logger
	metrics  *metrics.Metrics
	onFailed FailedFunc
	now      func() time.Time
	seq      atomic.Uint64
}

// Option customizes the engine.
type Option func(*Engine)

// WithKeep overrides completed/failed retention. Zero retains none.
func WithKeep(keep int) Option {
	return func(e *Engine) { e.keep = keep }
}

// WithLease overrides the reservation lease duration.
func WithLease(lease time.Duration) Option {
	return func(e *Engine) {
		if lease > 0 {
			e.lease = lease
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches job counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithFailedFunc registers the terminal-failure hook.
func WithFailedFunc(fn FailedFunc) Option {
	return func(e *Engine) { e.onFailed = fn }
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a queue engine over the given store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		keep:   250,
		lease:  30 * time.Second,
		logger: log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetFailedFunc installs the terminal-failure hook after construction; the
// submit consumer is built after the engine it consumes from.
func (e *Engine) SetFailedFunc(fn FailedFunc) {
	e.onFailed = fn
}

// Enqueue durably writes a job and returns its id.
func (e *Engine) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOpts) (string, error) {
	now := e.now()
	job := &Job{
		ID:          opts.JobID,
		Queue:       queue,
		Payload:     payload,
		MaxAttempts: opts.Attempts,
		Backoff:     Backoff{Type: "exponential", BaseDelay: opts.BaseDelay},
		Priority:    opts.Priority,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	if job.ID == "" {
		// Monotonic ids keep FIFO order for jobs enqueued within the same
		// millisecond: ties in the pending set break lexicographically.
		job.ID = fmt.Sprintf("%013d-%08d", now.UnixMilli(), e.seq.Add(1))
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
	job.NextVisibleAt = now
	if opts.Delay > 0 {
		// Delayed jobs sit in the delayed set until the promoter moves them.
		job.NextVisibleAt = now.Add(opts.Delay)
		job.Status = StatusDelayed
	}
	if err := e.store.Put(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	if e.metrics != nil {
		e.metrics.QueueJobs.WithLabelValues(queue, "enqueued").Inc()
	}
	return job.ID, nil
}

// EnqueueJSON marshals v and enqueues it.
func (e *Engine) EnqueueJSON(ctx context.Context, queue string, v any, opts EnqueueOpts) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", queue, err)
	}
	return e.Enqueue(ctx, queue, payload, opts)
}

// Reserve leases the next visible job, or returns ErrNotFound.
func (e *Engine) Reserve(ctx context.Context, queue, workerID string) (*Job, error) {
	return e.store.Reserve(ctx, queue, workerID, e.lease, e.now())
}

// Finish applies a handler result to a reserved job.
func (e *Engine) Finish(ctx context.Context, job *Job, res Result) error {
	now := e.now()
	switch res.kind {
	case resultOk:
		if err := e.store.Ack(ctx, job.Queue, job.ID, job.lease, res.progress, e.keep, now); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.QueueJobs.WithLabelValues(job.Queue, "completed").Inc()
		}
		return nil

	case resultRetry:
		msg := ""
		if res.err != nil {
			msg = res.err.Error()
		}
		if job.AttemptsMade < job.MaxAttempts {
			visibleAt := now.Add(job.retryDelay())
			if err := e.store.Retry(ctx, job.Queue, job.ID, job.lease, visibleAt, msg); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.QueueJobs.WithLabelValues(job.Queue, "retried").Inc()
			}
			return nil
		}
		return e.terminalFail(ctx, job, msg, now)

	case resultDiscard:
		msg := ""
		if res.err != nil {
			msg = res.err.Error()
		}
		return e.terminalFail(ctx, job, msg, now)
	}
	return fmt.Errorf("unknown result kind %d", res.kind)
}

func (e *Engine) terminalFail(ctx context.Context, job *Job, msg string, now time.Time) error {
	if err := e.store.Fail(ctx, job.Queue, job.ID, job.lease, msg, e.keep, now); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.QueueJobs.WithLabelValues(job.Queue, "failed").Inc()
	}
	job.Status = StatusFailed
	job.LastError = msg
	job.FinishedAt = now
	if e.onFailed != nil {
		e.onFailed(job.Queue, job)
	}
	return nil
}

// Discard terminal-fails a reserved job regardless of attempts left.
func (e *Engine) Discard(ctx context.Context, job *Job, reason error) error {
	return e.Finish(ctx, job, Discard(reason))
}

// Process reserves and handles jobs until ctx ends. Store transport errors
// surface as the return value; per the failure contract the caller treats
// them as fatal and exits, and leases recover the in-flight work.
func (e *Engine) Process(ctx context.Context, queue, workerID string, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := e.Reserve(ctx, queue, workerID)
		if errors.Is(err, ErrNotFound) {
			select {
			case <-time.After(250 * time.Millisecond):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return fmt.Errorf("reserve %s: %w", queue, err)
		}
		if job.AttemptsMade > job.MaxAttempts {
			// Crash loops can burn attempts through lease reclaim alone;
			// the budget still bounds delivery.
			if err := e.terminalFail(ctx, job, "attempt budget exhausted", e.now()); err != nil && !errors.Is(err, ErrStaleLease) {
				return fmt.Errorf("fail %s: %w", job.ID, err)
			}
			continue
		}
		res := handler(job)
		if err := e.Finish(ctx, job, res); err != nil {
			if errors.Is(err, ErrStaleLease) {
				// The lease expired mid-handling and the job was handed to
				// another worker; their result wins.
				e.logger.Printf("job %s finished after lease expiry, result dropped", job.ID)
				continue
			}
			return fmt.Errorf("finish %s: %w", job.ID, err)
		}
	}
}

// Promote moves due delayed jobs to pending. Called by the scheduler.
func (e *Engine) Promote(ctx context.Context, queue string) (int, error) {
	return e.store.PromoteDue(ctx, queue, e.now())
}

// Reclaim returns expired leases to pending. Called by the scheduler.
func (e *Engine) Reclaim(ctx context.Context, queue string) (int, error) {
	return e.store.ReclaimExpired(ctx, queue, e.now())
}

// Get loads a job snapshot.
func (e *Engine) Get(ctx context.Context, queue, id string) (*Job, error) {
	return e.store.Get(ctx, queue, id)
}

// Remove drops a job outright. Used when flushing an account's queued work.
func (e *Engine) Remove(ctx context.Context, queue, id string) error {
	return e.store.Remove(ctx, queue, id)
}

// Depth reports visible pending jobs.
func (e *Engine) Depth(ctx context.Context, queue string) (int64, error) {
	return e.store.PendingCount(ctx, queue)
}
