// Package submitworker consumes submission jobs: it loads the durable
// message blob, routes the send to the account's owning IMAP worker and
// translates terminal failures into messageFailed notifications.
package submitworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/queue"
)

// Payload is the small submit-job body; the message itself lives in the
// account's iaq hash so a lost job never loses mail.
type Payload struct {
	Account   string `json:"account"`
	QueueID   string `json:"queueId"`
	MessageID string `json:"messageId,omitempty"`
}

// payloadAlias accepts the legacy qId field on read. Emitted payloads carry
// queueId only.
type payloadAlias struct {
	Account   string `json:"account"`
	QueueID   string `json:"queueId"`
	LegacyQID string `json:"qId"`
	MessageID string `json:"messageId"`
}

// UnmarshalJSON decodes a payload, accepting either queueId or qId.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var alias payloadAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	p.Account = alias.Account
	p.QueueID = alias.QueueID
	if p.QueueID == "" {
		p.QueueID = alias.LegacyQID
	}
	p.MessageID = alias.MessageID
	return nil
}

// Blob is the durable MessagePack form of a queued message.
type Blob struct {
	From      string    `msgpack:"from"`
	To        []string  `msgpack:"to"`
	Raw       []byte    `msgpack:"raw"`
	MessageID string    `msgpack:"messageId"`
	CreatedAt time.Time `msgpack:"createdAt"`
}

// QueueOptions tune a queued submission.
type QueueOptions struct {
	// QueueID reuses an id; re-queueing replaces the prior pending entry.
	QueueID  string
	Attempts int
	Backoff  time.Duration
	Delay    time.Duration
}

// Queue durably stores the blob and enqueues the submit job. Blob first:
// the job only ever references an existing message.
func Queue(ctx context.Context, registry *accounts.Registry, engine *queue.Engine, account string, blob *Blob, opts QueueOptions) (string, error) {
	queueID := opts.QueueID
	if queueID == "" {
		queueID = uuid.NewString()
	}
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = time.Now().UTC()
	}
	raw, err := msgpack.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("encode message blob: %w", err)
	}
	if err := registry.StoreQueuedMessage(ctx, account, queueID, raw); err != nil {
		return "", fmt.Errorf("store message blob: %w", err)
	}

	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 10
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	payload, err := json.Marshal(Payload{Account: account, QueueID: queueID, MessageID: blob.MessageID})
	if err != nil {
		return "", fmt.Errorf("encode submit payload: %w", err)
	}
	if _, err := engine.Enqueue(ctx, queue.Submit, payload, queue.EnqueueOpts{
		Attempts:  attempts,
		BaseDelay: backoff,
		Delay:     opts.Delay,
		JobID:     account + ":" + queueID,
	}); err != nil {
		return "", fmt.Errorf("enqueue submit job: %w", err)
	}
	return queueID, nil
}

// DecodeBlob parses a stored message blob.
func DecodeBlob(raw []byte) (*Blob, error) {
	blob := &Blob{}
	if err := msgpack.Unmarshal(raw, blob); err != nil {
		return nil, fmt.Errorf("decode message blob: %w", err)
	}
	return blob, nil
}
