package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	all := append([]Option{WithClock(clock.Now)}, opts...)
	return NewEngine(NewMemoryStore(), all...), clock
}

func TestEnqueueReserveAck(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Enqueue(ctx, Notify, []byte(`{"event":"test"}`), EnqueueOpts{Attempts: 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := engine.Reserve(ctx, Notify, "w1")
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, StatusActive, job.Status)

	// Nothing else is visible while the job is leased.
	_, err = engine.Reserve(ctx, Notify, "w1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, engine.Finish(ctx, job, Ok("done")))
	got, err := engine.Get(ctx, Notify, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "done", got.Progress)
}

func TestRetryScheduleIsExponential(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Enqueue(ctx, Submit, []byte(`{}`), EnqueueOpts{Attempts: 3, BaseDelay: 100 * time.Millisecond})
	require.NoError(t, err)

	var reservedAt []time.Duration
	start := clock.Now()

	for attempt := 0; attempt < 3; attempt++ {
		// Walk the clock forward until the job becomes visible again.
		var job *Job
		for i := 0; i < 10; i++ {
			_, err := engine.Promote(ctx, Submit)
			require.NoError(t, err)
			job, err = engine.Reserve(ctx, Submit, "w1")
			if err == nil {
				break
			}
			require.ErrorIs(t, err, ErrNotFound)
			clock.Advance(50 * time.Millisecond)
		}
		require.NotNil(t, job, "attempt %d never became visible", attempt+1)
		reservedAt = append(reservedAt, clock.Now().Sub(start))
		require.NoError(t, engine.Finish(ctx, job, Retry(errors.New("boom"))))
	}

	// Attempts land at ~t=0, t=100ms, t=300ms.
	assert.Equal(t, time.Duration(0), reservedAt[0])
	assert.Equal(t, 100*time.Millisecond, reservedAt[1])
	assert.Equal(t, 300*time.Millisecond, reservedAt[2])

	// Budget exhausted: the third failure is terminal.
	job, err := engine.Get(ctx, Submit, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, job.MaxAttempts, job.AttemptsMade)
}

func TestTerminalFailureInvokesHook(t *testing.T) {
	var failed []*Job
	engine, _ := newTestEngine(t, WithFailedFunc(func(queue string, job *Job) {
		failed = append(failed, job)
	}))
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, Submit, []byte(`{}`), EnqueueOpts{Attempts: 1})
	require.NoError(t, err)

	job, err := engine.Reserve(ctx, Submit, "w1")
	require.NoError(t, err)
	require.NoError(t, engine.Finish(ctx, job, Retry(errors.New("network down"))))

	// maxAttempts = 1 means no retry at all.
	_, err = engine.Reserve(ctx, Submit, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.Len(t, failed, 1)
	assert.Equal(t, "network down", failed[0].LastError)
	assert.Equal(t, StatusFailed, failed[0].Status)
}

func TestDiscardSkipsRemainingAttempts(t *testing.T) {
	var failed int
	engine, _ := newTestEngine(t, WithFailedFunc(func(string, *Job) { failed++ }))
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, Submit, []byte(`{}`), EnqueueOpts{Attempts: 10})
	require.NoError(t, err)
	job, err := engine.Reserve(ctx, Submit, "w1")
	require.NoError(t, err)

	require.NoError(t, engine.Finish(ctx, job, Discard(errors.New("550 permanent"))))
	_, err = engine.Reserve(ctx, Submit, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, failed)
}

func TestZeroBaseDelayRetriesImmediately(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, Notify, []byte(`{}`), EnqueueOpts{Attempts: 2, BaseDelay: 0})
	require.NoError(t, err)
	job, err := engine.Reserve(ctx, Notify, "w1")
	require.NoError(t, err)
	require.NoError(t, engine.Finish(ctx, job, Retry(errors.New("try again"))))

	// Visible after promotion without advancing the clock.
	_, err = engine.Promote(ctx, Notify)
	require.NoError(t, err)
	job, err = engine.Reserve(ctx, Notify, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.AttemptsMade)
}

func TestLeaseExpiryReturnsJobToPending(t *testing.T) {
	engine, clock := newTestEngine(t, WithLease(30*time.Second))
	ctx := context.Background()

	id, err := engine.Enqueue(ctx, Submit, []byte(`{}`), EnqueueOpts{Attempts: 5})
	require.NoError(t, err)

	// Worker reserves, then "crashes" without finishing.
	_, err = engine.Reserve(ctx, Submit, "w1")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	n, err := engine.Reclaim(ctx, Submit)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := engine.Reserve(ctx, Submit, "w2")
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.AttemptsMade)
}

func TestStaleLeaseCannotAck(t *testing.T) {
	engine, clock := newTestEngine(t, WithLease(time.Second))
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, Submit, []byte(`{}`), EnqueueOpts{Attempts: 5})
	require.NoError(t, err)

	stale, err := engine.Reserve(ctx, Submit, "w1")
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = engine.Reclaim(ctx, Submit)
	require.NoError(t, err)
	fresh, err := engine.Reserve(ctx, Submit, "w2")
	require.NoError(t, err)

	// The first worker's ack arrives after its lease expired.
	err = engine.store.Ack(ctx, Submit, stale.ID, stale.lease, "late", 10, clock.Now())
	assert.ErrorIs(t, err, ErrStaleLease)

	// The second worker's result still lands.
	require.NoError(t, engine.Finish(ctx, fresh, Ok("done")))
}

func TestQueueKeepZeroRetainsNothing(t *testing.T) {
	engine, _ := newTestEngine(t, WithKeep(0))
	ctx := context.Background()

	id, err := engine.Enqueue(ctx, Notify, []byte(`{}`), EnqueueOpts{Attempts: 1})
	require.NoError(t, err)
	job, err := engine.Reserve(ctx, Notify, "w1")
	require.NoError(t, err)
	require.NoError(t, engine.Finish(ctx, job, Ok("done")))

	_, err = engine.Get(ctx, Notify, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueueSameJobIDReplacesPending(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, Submit, []byte(`first`), EnqueueOpts{Attempts: 3, JobID: "acct:q1"})
	require.NoError(t, err)
	_, err = engine.Enqueue(ctx, Submit, []byte(`second`), EnqueueOpts{Attempts: 3, JobID: "acct:q1"})
	require.NoError(t, err)

	job, err := engine.Reserve(ctx, Submit, "w1")
	require.NoError(t, err)
	assert.Equal(t, "second", string(job.Payload))

	// Only one delivery for the id.
	_, err = engine.Reserve(ctx, Submit, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFIFOWithinSameVisibility(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := engine.Enqueue(ctx, Notify, []byte(fmt.Sprintf("payload-%d", i)), EnqueueOpts{Attempts: 1})
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		job, err := engine.Reserve(ctx, Notify, "w1")
		require.NoError(t, err)
		assert.Equal(t, ids[i], job.ID, "delivery order differs at %d", i)
		require.NoError(t, engine.Finish(ctx, job, Ok("")))
	}
}

func TestDelayedJobInvisibleUntilPromoted(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, Notify, []byte(`{}`), EnqueueOpts{Attempts: 1, Delay: time.Minute})
	require.NoError(t, err)

	_, err = engine.Promote(ctx, Notify)
	require.NoError(t, err)
	_, err = engine.Reserve(ctx, Notify, "w1")
	assert.ErrorIs(t, err, ErrNotFound)

	clock.Advance(61 * time.Second)
	n, err := engine.Promote(ctx, Notify)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = engine.Reserve(ctx, Notify, "w1")
	require.NoError(t, err)
}
