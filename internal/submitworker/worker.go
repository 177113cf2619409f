package submitworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/events"
	"github.com/jhult/emailengine/internal/metrics"
	"github.com/jhult/emailengine/internal/queue"
)

// Caller routes an account-scoped RPC to the owning IMAP worker. The
// supervisor implements it.
type Caller interface {
	CallAccount(ctx context.Context, account, op string, params any) (json.RawMessage, error)
}

// Worker consumes the submit queue.
type Worker struct {
	id       string
	registry *accounts.Registry
	engine   *queue.Engine
	caller   Caller
	logger   *log.Logger
	metrics  *metrics.Metrics

	notifyRetries int
	notifyBackoff time.Duration
}

// New creates a submission worker.
func New(id string, registry *accounts.Registry, engine *queue.Engine, caller Caller, m *metrics.Metrics) *Worker {
	return &Worker{
		id:            id,
		registry:      registry,
		engine:        engine,
		caller:        caller,
		logger:        log.New(log.Writer(), fmt.Sprintf("[SUBMIT %s] ", id), log.LstdFlags),
		metrics:       m,
		notifyRetries: 10,
		notifyBackoff: 5 * time.Second,
	}
}

// Run consumes jobs until ctx ends. A store transport failure surfaces and
// the supervisor restarts the worker; leases recover in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	return w.engine.Process(ctx, queue.Submit, w.id, func(job *queue.Job) queue.Result {
		return w.process(ctx, job)
	})
}

// process handles one submit job.
func (w *Worker) process(ctx context.Context, job *queue.Job) queue.Result {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Discard(fmt.Errorf("bad submit payload: %w", err))
	}

	raw, err := w.registry.LoadQueuedMessage(ctx, payload.Account, payload.QueueID)
	if errors.Is(err, accounts.ErrNotFound) {
		// Raced with an account or message deletion; nothing to send.
		w.logger.Printf("job %s: blob %s gone, dropping silently", job.ID, payload.QueueID)
		return queue.Ok("skipped")
	}
	if err != nil {
		return queue.Retry(fmt.Errorf("load blob: %w", err))
	}
	blob, err := DecodeBlob(raw)
	if err != nil {
		return queue.Discard(err)
	}

	_, callErr := w.caller.CallAccount(ctx, payload.Account, "submitMessage", map[string]any{
		"from":      blob.From,
		"to":        blob.To,
		"raw":       blob.Raw,
		"queueId":   payload.QueueID,
		"messageId": blob.MessageID,
	})
	if callErr != nil {
		var ce *control.CallError
		if errors.As(callErr, &ce) && ce.StatusCode >= 500 && ce.StatusCode < 600 && ce.Code == "SubmitFailed" {
			// Permanent rejection from the upstream SMTP server.
			w.count("discarded")
			return queue.Discard(callErr)
		}
		w.count("retried")
		return queue.Retry(callErr)
	}

	w.count("submitted")
	// Terminal success: the durable blob has served its purpose.
	if err := w.registry.DeleteQueuedMessage(ctx, payload.Account, payload.QueueID); err != nil {
		w.logger.Printf("job %s: delete blob: %v", job.ID, err)
	}
	return queue.Ok("submitted")
}

// HandleFailed is the queue's terminal-failure hook for submit jobs: drop
// the blob and tell the user via a messageFailed notification.
func (w *Worker) HandleFailed(ctx context.Context, job *queue.Job) {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Printf("failed job %s: bad payload: %v", job.ID, err)
		return
	}
	if err := w.registry.DeleteQueuedMessage(ctx, payload.Account, payload.QueueID); err != nil {
		w.logger.Printf("failed job %s: delete blob: %v", job.ID, err)
	}
	evt := events.New(payload.Account, events.MessageFailed, map[string]any{
		"queueId":   payload.QueueID,
		"messageId": payload.MessageID,
		"error":     job.LastError,
		"attempts":  job.AttemptsMade,
	})
	raw, err := evt.Encode()
	if err != nil {
		w.logger.Printf("failed job %s: encode event: %v", job.ID, err)
		return
	}
	if _, err := w.engine.Enqueue(ctx, queue.Notify, raw, queue.EnqueueOpts{
		Attempts:  w.notifyRetries,
		BaseDelay: w.notifyBackoff,
	}); err != nil {
		w.logger.Printf("failed job %s: enqueue messageFailed: %v", job.ID, err)
	}
	w.count("failed")
}

func (w *Worker) count(outcome string) {
	if w.metrics != nil {
		w.metrics.SubmitTotal.WithLabelValues(outcome).Inc()
	}
}
