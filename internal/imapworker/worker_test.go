package imapworker

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/events"
	"github.com/jhult/emailengine/internal/kvstore"
	"github.com/jhult/emailengine/internal/queue"
	"github.com/jhult/emailengine/internal/smtpclient"
)

func newTestWorker(t *testing.T, client Client) (*Worker, *accounts.Registry, *queue.Engine, chan control.Envelope) {
	t.Helper()
	kv := kvstore.NewMemory()
	registry := accounts.NewRegistry(kv, nil, nil)
	logs := accounts.NewLogRing(kv, 100)
	engine := queue.NewEngine(queue.NewMemoryStore())
	bus := make(chan control.Envelope, 256)
	w := New("imap-0", bus, registry, logs, engine, smtpclient.New(), Settings{
		PollInterval:  10 * time.Millisecond,
		NotifyRetries: 10,
		NotifyBackoff: 5 * time.Second,
	}, WithClientFactory(func(ctx context.Context, acct *accounts.Account, dialTimeout time.Duration) (Client, error) {
		return client, nil
	}))
	return w, registry, engine, bus
}

func TestDispatchUnownedAccountReturns503(t *testing.T) {
	w, _, _, _ := newTestWorker(t, newFakeClient())

	_, err := w.dispatch(context.Background(), "nobody-home", OpListMessages, nil)
	require.Error(t, err)
	ce, ok := err.(*control.CallError)
	require.True(t, ok)
	assert.Equal(t, 503, ce.StatusCode)
	assert.Contains(t, ce.Message, "No active handler")
}

func TestAssignedAccountEmitsIntoNotifyQueue(t *testing.T) {
	client := newFakeClient()
	w, registry, engine, _ := newTestWorker(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, registry.Create(ctx, &accounts.Account{
		ID:    "acct-1",
		Email: "user@example.com",
		IMAP:  &IMAPTestCreds,
	}))

	go w.Run(ctx)
	require.True(t, w.Deliver(control.Message{Cmd: control.CmdAssign, Account: "acct-1"}))

	require.Eventually(t, func() bool {
		conn, ok := w.conn("acct-1")
		return ok && conn.State() == accounts.StateConnected
	}, time.Second, 5*time.Millisecond)

	client.deliver(fakeMessage{subject: "hello", date: time.Now().UTC()})

	// The change event lands in the notify queue as a job.
	require.Eventually(t, func() bool {
		job, err := engine.Reserve(ctx, queue.Notify, "probe")
		if err != nil {
			return false
		}
		evt, err := events.Decode(job.Payload)
		require.NoError(t, err)
		assert.Equal(t, events.MessageNew, evt.Event)
		assert.Equal(t, "acct-1", evt.Account)
		assert.Equal(t, 10, job.MaxAttempts)
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestDeleteStopsConnection(t *testing.T) {
	client := newFakeClient()
	w, registry, _, _ := newTestWorker(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, registry.Create(ctx, &accounts.Account{
		ID:    "acct-1",
		Email: "user@example.com",
		IMAP:  &IMAPTestCreds,
	}))

	go w.Run(ctx)
	w.Deliver(control.Message{Cmd: control.CmdAssign, Account: "acct-1"})
	require.Eventually(t, func() bool {
		_, ok := w.conn("acct-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	w.Deliver(control.Message{Cmd: control.CmdDelete, Account: "acct-1"})
	require.Eventually(t, func() bool {
		_, ok := w.conn("acct-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestFailedSessionIsReleasedToSupervisor(t *testing.T) {
	client := newFakeClient()
	client.loginErr = &imap.Error{Type: imap.StatusResponseTypeNo, Text: "bad credentials"}
	w, registry, _, bus := newTestWorker(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, registry.Create(ctx, &accounts.Account{
		ID:    "acct-1",
		Email: "user@example.com",
		IMAP:  &IMAPTestCreds,
	}))

	go w.Run(ctx)
	w.Deliver(control.Message{Cmd: control.CmdAssign, Account: "acct-1"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-bus:
			if env.Msg.Cmd == control.CmdChange && env.Msg.Kind == "released" {
				assert.Equal(t, "acct-1", env.Msg.Account)
				return
			}
		case <-deadline:
			t.Fatal("account never released after auth failure")
		}
	}
}
