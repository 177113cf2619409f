package submitworker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/events"
	"github.com/jhult/emailengine/internal/kvstore"
	"github.com/jhult/emailengine/internal/queue"
)

// fakeCaller scripts RPC outcomes per call.
type fakeCaller struct {
	calls   int
	results []error
}

func (f *fakeCaller) CallAccount(ctx context.Context, account, op string, params any) (json.RawMessage, error) {
	f.calls++
	if len(f.results) == 0 {
		return json.RawMessage(`{}`), nil
	}
	err := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{}`), nil
}

func setup(t *testing.T, caller Caller) (*Worker, *accounts.Registry, *queue.Engine) {
	t.Helper()
	kv := kvstore.NewMemory()
	registry := accounts.NewRegistry(kv, nil, nil)
	engine := queue.NewEngine(queue.NewMemoryStore())
	w := New("submit-0", registry, engine, caller, nil)
	engine.SetFailedFunc(func(queueName string, job *queue.Job) {
		if queueName == queue.Submit {
			w.HandleFailed(context.Background(), job)
		}
	})
	return w, registry, engine
}

func queueBlob(t *testing.T, registry *accounts.Registry, engine *queue.Engine, account string) (string, *Blob) {
	t.Helper()
	blob := &Blob{
		From:      "sender@example.com",
		To:        []string{"rcpt@example.com"},
		Raw:       []byte("Subject: hi\r\n\r\nbody"),
		MessageID: "<msg-1@example.com>",
	}
	queueID, err := Queue(context.Background(), registry, engine, account, blob, QueueOptions{
		Attempts: 3,
		Backoff:  100 * time.Millisecond,
	})
	require.NoError(t, err)
	return queueID, blob
}

func TestSuccessfulSubmissionDeletesBlob(t *testing.T) {
	caller := &fakeCaller{}
	w, registry, engine := setup(t, caller)
	ctx := context.Background()

	queueID, _ := queueBlob(t, registry, engine, "acct-1")

	job, err := engine.Reserve(ctx, queue.Submit, "submit-0")
	require.NoError(t, err)
	res := w.process(ctx, job)
	require.NoError(t, engine.Finish(ctx, job, res))

	assert.Equal(t, 1, caller.calls)
	_, err = registry.LoadQueuedMessage(ctx, "acct-1", queueID)
	assert.ErrorIs(t, err, accounts.ErrNotFound)
}

func TestTransportErrorsRetryThenFailTerminally(t *testing.T) {
	netErr := &control.CallError{Code: "ECONNREFUSED", StatusCode: 502, Message: "connection refused"}
	caller := &fakeCaller{results: []error{netErr, netErr, netErr}}
	w, registry, engine := setup(t, caller)
	ctx := context.Background()

	queueID, _ := queueBlob(t, registry, engine, "acct-1")

	// Three attempts, all failing with a transport error.
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			// Make the delayed retry visible without waiting.
			deadline := time.Now().Add(2 * time.Second)
			for {
				n, err := engine.Promote(ctx, queue.Submit)
				require.NoError(t, err)
				if n > 0 || time.Now().After(deadline) {
					break
				}
				time.Sleep(20 * time.Millisecond)
			}
		}
		job, err := engine.Reserve(ctx, queue.Submit, "submit-0")
		require.NoError(t, err, "attempt %d not visible", attempt)
		assert.Equal(t, attempt, job.AttemptsMade)
		require.NoError(t, engine.Finish(ctx, job, w.process(ctx, job)))
	}
	assert.Equal(t, 3, caller.calls)

	// Terminal: blob removed, messageFailed notification enqueued.
	_, err := registry.LoadQueuedMessage(ctx, "acct-1", queueID)
	assert.ErrorIs(t, err, accounts.ErrNotFound)

	notify, err := engine.Reserve(ctx, queue.Notify, "notify-0")
	require.NoError(t, err)
	evt, err := events.Decode(notify.Payload)
	require.NoError(t, err)
	assert.Equal(t, events.MessageFailed, evt.Event)
	assert.Equal(t, "acct-1", evt.Account)
}

func TestPermanentServerErrorDiscardsImmediately(t *testing.T) {
	permErr := &control.CallError{Code: "SubmitFailed", StatusCode: 550, Message: "550 mailbox unavailable"}
	caller := &fakeCaller{results: []error{permErr}}
	w, registry, engine := setup(t, caller)
	ctx := context.Background()

	queueID, _ := queueBlob(t, registry, engine, "acct-1")

	job, err := engine.Reserve(ctx, queue.Submit, "submit-0")
	require.NoError(t, err)
	require.NoError(t, engine.Finish(ctx, job, w.process(ctx, job)))

	// One attempt only, despite the remaining budget.
	assert.Equal(t, 1, caller.calls)
	_, err = engine.Reserve(ctx, queue.Submit, "submit-0")
	assert.ErrorIs(t, err, queue.ErrNotFound)

	// The failure hook still fires: blob dropped, user notified.
	_, err = registry.LoadQueuedMessage(ctx, "acct-1", queueID)
	assert.ErrorIs(t, err, accounts.ErrNotFound)
	notify, err := engine.Reserve(ctx, queue.Notify, "notify-0")
	require.NoError(t, err)
	evt, err := events.Decode(notify.Payload)
	require.NoError(t, err)
	assert.Equal(t, events.MessageFailed, evt.Event)
}

func TestMissingBlobAcksSilently(t *testing.T) {
	caller := &fakeCaller{}
	w, registry, engine := setup(t, caller)
	ctx := context.Background()

	queueID, _ := queueBlob(t, registry, engine, "acct-1")
	// Account deletion raced the job: the blob is gone.
	require.NoError(t, registry.DeleteQueuedMessage(ctx, "acct-1", queueID))

	job, err := engine.Reserve(ctx, queue.Submit, "submit-0")
	require.NoError(t, err)
	require.NoError(t, engine.Finish(ctx, job, w.process(ctx, job)))

	assert.Equal(t, 0, caller.calls)
	got, err := engine.Get(ctx, queue.Submit, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, got.Status)
}

func TestPayloadAcceptsLegacyQIDAlias(t *testing.T) {
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`{"account":"a","qId":"legacy-1"}`), &p))
	assert.Equal(t, "legacy-1", p.QueueID)

	require.NoError(t, json.Unmarshal([]byte(`{"account":"a","queueId":"modern-1","qId":"legacy-1"}`), &p))
	assert.Equal(t, "modern-1", p.QueueID)

	// Emitted payloads carry queueId only.
	out, err := json.Marshal(Payload{Account: "a", QueueID: "q-1"})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "qId")
	assert.Contains(t, string(out), "queueId")
}

func TestRequeueSameQueueIDReplacesBlob(t *testing.T) {
	caller := &fakeCaller{}
	_, registry, engine := setup(t, caller)
	ctx := context.Background()

	first := &Blob{From: "a@example.com", To: []string{"b@example.com"}, Raw: []byte("one")}
	queueID, err := Queue(ctx, registry, engine, "acct-1", first, QueueOptions{QueueID: "fixed"})
	require.NoError(t, err)
	second := &Blob{From: "a@example.com", To: []string{"b@example.com"}, Raw: []byte("two")}
	_, err = Queue(ctx, registry, engine, "acct-1", second, QueueOptions{QueueID: "fixed"})
	require.NoError(t, err)

	raw, err := registry.LoadQueuedMessage(ctx, "acct-1", queueID)
	require.NoError(t, err)
	blob, err := DecodeBlob(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), blob.Raw)

	// A single pending job despite two enqueues.
	job, err := engine.Reserve(ctx, queue.Submit, "w")
	require.NoError(t, err)
	_ = job
	_, err = engine.Reserve(ctx, queue.Submit, "w")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestTimeoutIsRetriedNotDiscarded(t *testing.T) {
	// A 504 timeout is transient and must retry, not discard.
	timeoutErr := control.Timeout()
	caller := &fakeCaller{results: []error{timeoutErr}}
	w, registry, engine := setup(t, caller)
	ctx := context.Background()

	queueBlob(t, registry, engine, "acct-1")
	job, err := engine.Reserve(ctx, queue.Submit, "submit-0")
	require.NoError(t, err)
	require.NoError(t, engine.Finish(ctx, job, w.process(ctx, job)))

	got, err := engine.Get(ctx, queue.Submit, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.False(t, errors.Is(err, queue.ErrNotFound))
}
