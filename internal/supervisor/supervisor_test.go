package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/assign"
	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/kvstore"
)

// echoWorker replies to calls on the supervisor bus, optionally staying
// silent to provoke timeouts.
type echoWorker struct {
	id     string
	bus    chan<- control.Envelope
	silent bool

	mu       sync.Mutex
	assigned []string
}

func (w *echoWorker) ID() string { return w.id }

func (w *echoWorker) Deliver(msg control.Message) bool {
	switch msg.Cmd {
	case control.CmdAssign:
		w.mu.Lock()
		w.assigned = append(w.assigned, msg.Account)
		w.mu.Unlock()
	case control.CmdCall:
		if w.silent {
			return true
		}
		go func() {
			w.bus <- control.Envelope{From: w.id, Msg: control.Message{
				Cmd:      control.CmdResp,
				MID:      msg.MID,
				Response: json.RawMessage(`{"pong":true}`),
			}}
		}()
	}
	return true
}

func (w *echoWorker) assignedAccounts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.assigned...)
}

func startSupervisor(t *testing.T, opts ...Option) (*Supervisor, *assign.Controller, *accounts.Registry, context.CancelFunc) {
	t.Helper()
	kv := kvstore.NewMemory()
	registry := accounts.NewRegistry(kv, nil, nil)
	ctrl := assign.NewController(registry, nil)
	sup := New(registry, ctrl, kv, 1, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	// Give the control-channel subscription a moment to attach.
	time.Sleep(20 * time.Millisecond)
	return sup, ctrl, registry, cancel
}

func TestCallAccountRoundTrip(t *testing.T) {
	sup, ctrl, _, cancel := startSupervisor(t)
	defer cancel()
	ctx := context.Background()

	worker := &echoWorker{id: "imap-0", bus: sup.Bus()}
	ctrl.WorkerReady(ctx, worker)
	ctrl.Bootstrap(ctx, []string{"acct-1"})

	resp, err := sup.CallAccount(ctx, "acct-1", "ping", map[string]string{"x": "y"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(resp))
}

func TestCallAccountTimesOut(t *testing.T) {
	sup, ctrl, _, cancel := startSupervisor(t, WithCallTimeout(50*time.Millisecond))
	defer cancel()
	ctx := context.Background()

	worker := &echoWorker{id: "imap-0", bus: sup.Bus(), silent: true}
	ctrl.WorkerReady(ctx, worker)
	ctrl.Bootstrap(ctx, []string{"acct-1"})

	start := time.Now()
	_, err := sup.CallAccount(ctx, "acct-1", "ping", nil)
	require.Error(t, err)
	var ce *control.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "Timeout", ce.Code)
	assert.Equal(t, 504, ce.StatusCode)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallAccountWithoutOwnerIs503(t *testing.T) {
	sup, _, _, cancel := startSupervisor(t)
	defer cancel()

	_, err := sup.CallAccount(context.Background(), "nobody", "ping", nil)
	var ce *control.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 503, ce.StatusCode)
	assert.Equal(t, "NoActiveHandler", ce.Code)
}

func TestRegistryCreateFlowsIntoAssignment(t *testing.T) {
	sup, ctrl, registry, cancel := startSupervisor(t)
	defer cancel()
	ctx := context.Background()

	worker := &echoWorker{id: "imap-0", bus: sup.Bus()}
	ctrl.WorkerReady(ctx, worker)

	// Creating an account publishes on the control channel; the supervisor
	// picks it up and the controller assigns it.
	require.NoError(t, registry.Create(ctx, &accounts.Account{
		ID:    "fresh",
		Email: "fresh@example.com",
		IMAP:  &accounts.IMAPCredentials{Host: "imap.example.com", User: "u", Password: "p"},
	}))

	require.Eventually(t, func() bool {
		owner, ok := ctrl.Owner("fresh")
		return ok && owner == "imap-0"
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, worker.assignedAccounts(), "fresh")
}

func TestLateReplyAfterTimeoutIsDiscarded(t *testing.T) {
	q := newCallQueue()
	ch := q.register("mid-1")
	q.drop("mid-1")

	// A reply for a dropped call goes nowhere and does not block.
	delivered := q.resolve(control.Message{Cmd: control.CmdResp, MID: "mid-1"})
	assert.False(t, delivered)
	select {
	case <-ch:
		t.Fatal("dropped call received a reply")
	default:
	}
}

func TestStatsSinkWritesDailyHistogram(t *testing.T) {
	kv := kvstore.NewMemory()
	sink := newStatsSink(kv, 7)
	fixed := time.Date(2024, 6, 1, 13, 45, 0, 0, time.UTC)
	sink.now = func() time.Time { return fixed }
	ctx := context.Background()

	require.NoError(t, sink.record(ctx, "events", 3))
	require.NoError(t, sink.record(ctx, "events", 2))

	val, err := kv.HGet(ctx, "stats:events:20240601", "1345")
	require.NoError(t, err)
	assert.Equal(t, "5", val)

	counters, err := kv.SMembers(ctx, KeyStatsIndex)
	require.NoError(t, err)
	assert.Equal(t, []string{"events"}, counters)
}
