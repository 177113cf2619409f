package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStringOps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, m.Del(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTTLExpires(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", "v", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryHashOps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	v, err := m.HGet(ctx, "h", "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	all, err := m.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := m.HIncrBy(ctx, "h", "count", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = m.HIncrBy(ctx, "h", "count", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.NoError(t, m.HDel(ctx, "h", "a"))
	_, err = m.HGet(ctx, "h", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySetAndZSetOps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SAdd(ctx, "s", "b", "a", "b"))
	members, err := m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)
	card, err := m.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	require.NoError(t, m.ZAdd(ctx, "z",
		ZMember{Member: "late", Score: 300},
		ZMember{Member: "early", Score: 100},
		ZMember{Member: "mid", Score: 200},
	))
	got, err := m.ZRangeByScore(ctx, "z", 0, 250, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "mid"}, got)

	require.NoError(t, m.ZRem(ctx, "z", "early"))
	n, err := m.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryListOps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.LPush(ctx, "l", "a"))
	require.NoError(t, m.LPush(ctx, "l", "b"))
	require.NoError(t, m.LPush(ctx, "l", "c"))

	got, err := m.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, got)

	require.NoError(t, m.LTrim(ctx, "l", 0, 1))
	got, err = m.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, got)
}

func TestMemoryScanMatchesPatterns(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.HSet(ctx, "iad:one", map[string]string{"x": "1"}))
	require.NoError(t, m.HSet(ctx, "iad:two", map[string]string{"x": "1"}))
	require.NoError(t, m.Set(ctx, "other", "v", 0))

	keys, err := m.Scan(ctx, "iad:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"iad:one", "iad:two"}, keys)
}

func TestMemoryPubSub(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsub, err := m.Subscribe(ctx, "control")
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.Publish(ctx, "control", []byte("hello")))
	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}

	// After unsubscribe the channel closes and publishes go nowhere.
	unsub()
	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, m.Publish(ctx, "control", []byte("dropped")))
}
