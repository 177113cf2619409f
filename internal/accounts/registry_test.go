package accounts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/kvstore"
)

func testAccount(id string) *Account {
	return &Account{
		ID:    id,
		Name:  "Test User",
		Email: "user@example.com",
		IMAP: &IMAPCredentials{
			Host:     "imap.example.com",
			Port:     993,
			TLS:      true,
			User:     "user@example.com",
			Password: "hunter22!",
		},
		SMTP: &SMTPCredentials{
			Host:     "smtp.example.com",
			Port:     465,
			TLS:      true,
			User:     "user@example.com",
			Password: "hunter22!",
		},
	}
}

func TestCreateLoadRoundTrip(t *testing.T) {
	kv := kvstore.NewMemory()
	registry := NewRegistry(kv, nil, nil)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, testAccount("acct-1")))

	got, err := registry.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got.ID)
	assert.Equal(t, "Test User", got.Name)
	assert.Equal(t, "imap.example.com", got.IMAP.Host)
	assert.Equal(t, "hunter22!", got.IMAP.Password)
	assert.Equal(t, StateInit, got.State)
	assert.False(t, got.Created.IsZero())

	ids, err := registry.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1"}, ids)
}

func TestCredentialsEncryptedAtRest(t *testing.T) {
	kv := kvstore.NewMemory()
	cipher, err := NewCipher("correct horse battery staple")
	require.NoError(t, err)
	registry := NewRegistry(kv, cipher, nil)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, testAccount("acct-1")))

	// Raw hash value must not contain the plaintext password.
	raw, err := kv.HGet(ctx, AccountKey("acct-1"), "imap")
	require.NoError(t, err)
	assert.NotContains(t, raw, "hunter22!")
	var stored IMAPCredentials
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.True(t, Encrypted(stored.Password))

	// Load decrypts transparently.
	got, err := registry.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "hunter22!", got.IMAP.Password)
}

func TestEncryptedValueWithoutKeyIsDetected(t *testing.T) {
	kv := kvstore.NewMemory()
	cipher, err := NewCipher("secret-key")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, NewRegistry(kv, cipher, nil).Create(ctx, testAccount("acct-1")))

	// Reading the same database without the key is a configuration error,
	// not silent garbage.
	_, err = NewRegistry(kv, nil, nil).Load(ctx, "acct-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no encryption secret")
}

func TestPlaintextDatabaseReadableWithKeyConfigured(t *testing.T) {
	kv := kvstore.NewMemory()
	ctx := context.Background()
	require.NoError(t, NewRegistry(kv, nil, nil).Create(ctx, testAccount("acct-1")))

	cipher, err := NewCipher("late-added-key")
	require.NoError(t, err)
	got, err := NewRegistry(kv, cipher, nil).Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "hunter22!", got.IMAP.Password)
}

func TestUpdateMergesPatch(t *testing.T) {
	kv := kvstore.NewMemory()
	registry := NewRegistry(kv, nil, nil)
	ctx := context.Background()
	require.NoError(t, registry.Create(ctx, testAccount("acct-1")))

	name := "Renamed"
	copyOnSend := true
	got, err := registry.Update(ctx, "acct-1", &Patch{Name: &name, CopyOnSend: &copyOnSend})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.True(t, got.CopyOnSend)
	// Untouched fields survive the merge.
	assert.Equal(t, "imap.example.com", got.IMAP.Host)

	reloaded, err := registry.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", reloaded.Name)
	assert.True(t, reloaded.CopyOnSend)
}

func TestNotifyFromIsMonotonic(t *testing.T) {
	kv := kvstore.NewMemory()
	registry := NewRegistry(kv, nil, nil)
	ctx := context.Background()
	require.NoError(t, registry.Create(ctx, testAccount("acct-1")))

	forward := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := registry.Update(ctx, "acct-1", &Patch{NotifyFrom: &forward})
	require.NoError(t, err)

	backward := forward.Add(-24 * time.Hour)
	got, err := registry.Update(ctx, "acct-1", &Patch{NotifyFrom: &backward})
	require.NoError(t, err)
	assert.Equal(t, forward, got.NotifyFrom, "watermark moved backwards")
}

func TestDeleteIsIdempotentAndTombstonesFirst(t *testing.T) {
	kv := kvstore.NewMemory()
	registry := NewRegistry(kv, nil, nil)
	ctx := context.Background()
	require.NoError(t, registry.Create(ctx, testAccount("acct-1")))
	require.NoError(t, registry.StoreQueuedMessage(ctx, "acct-1", "q1", []byte("blob")))

	// Watch control messages to verify delete is announced.
	msgs, cancel, err := kv.Subscribe(ctx, control.Channel)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, registry.Delete(ctx, "acct-1"))

	_, err = registry.Load(ctx, "acct-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = registry.LoadQueuedMessage(ctx, "acct-1", "q1")
	assert.ErrorIs(t, err, ErrNotFound)
	ids, err := registry.IDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	select {
	case payload := <-msgs:
		var msg ControlMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, control.CmdDelete, msg.Cmd)
		assert.Equal(t, "acct-1", msg.Account)
	case <-time.After(time.Second):
		t.Fatal("no delete message published")
	}

	// Second delete is a no-op.
	require.NoError(t, registry.Delete(ctx, "acct-1"))
}

func TestListFiltersAndPaginates(t *testing.T) {
	kv := kvstore.NewMemory()
	registry := NewRegistry(kv, nil, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, registry.Create(ctx, testAccount(id)))
	}
	require.NoError(t, registry.SetState(ctx, "c", StateConnected, nil))

	page, err := registry.List(ctx, "", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.Pages)
	assert.Len(t, page.Accounts, 2)
	assert.Equal(t, "a", page.Accounts[0].ID)

	last, err := registry.List(ctx, "", 2, 2)
	require.NoError(t, err)
	assert.Len(t, last.Accounts, 1)
	assert.Equal(t, "e", last.Accounts[0].ID)

	connected, err := registry.List(ctx, StateConnected, 0, 10)
	require.NoError(t, err)
	require.Len(t, connected.Accounts, 1)
	assert.Equal(t, "c", connected.Accounts[0].ID)
}

func TestValidateRejectsBadAccounts(t *testing.T) {
	assert.Error(t, (&Account{}).Validate())
	long := make([]byte, MaxIDLength+1)
	for i := range long {
		long[i] = 'x'
	}
	assert.Error(t, (&Account{ID: string(long), IMAP: &IMAPCredentials{}}).Validate())
	assert.Error(t, (&Account{ID: "no-creds"}).Validate())
	assert.NoError(t, (&Account{ID: "ok", OAuth2: &OAuth2Credentials{Provider: "gmail"}}).Validate())
}

func TestLogRingAppendsAndTrims(t *testing.T) {
	kv := kvstore.NewMemory()
	ring := NewLogRing(kv, 5)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, ring.Append(ctx, "acct-1", LogEntry{
			Level:     "info",
			Component: "imap",
			Message:   string(rune('a' + i)),
		}))
	}
	entries, err := ring.List(ctx, "acct-1", 100)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	// Newest first; the oldest three fell off the ring.
	assert.Equal(t, "h", entries[0].Message)
	assert.Equal(t, "d", entries[4].Message)
	assert.False(t, entries[0].Time.IsZero())
}
