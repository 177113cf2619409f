package settings

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

func TestTypedAccessorsNormalizeScalarAndJSON(t *testing.T) {
	kv := kvstore.NewMemory()
	svc := New(kv)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, WebhooksEnabled, true))
	enabled, err := svc.GetBool(ctx, WebhooksEnabled, false)
	require.NoError(t, err)
	assert.True(t, enabled)

	// A JSON-encoded scalar reads the same.
	require.NoError(t, kv.HSet(ctx, KeySettings, map[string]string{NotifyTextSize: "4096"}))
	size, err := svc.GetInt(ctx, NotifyTextSize, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, size)

	require.NoError(t, svc.Set(ctx, WebhookEvents, []string{"messageNew", "messageDeleted"}))
	kinds, err := svc.GetStringSlice(ctx, WebhookEvents)
	require.NoError(t, err)
	assert.Equal(t, []string{"messageNew", "messageDeleted"}, kinds)

	require.NoError(t, svc.Set(ctx, WebhookHeaders, map[string]string{"X-Env": "prod"}))
	headers, err := svc.GetStringMap(ctx, WebhookHeaders)
	require.NoError(t, err)
	assert.Equal(t, "prod", headers["X-Env"])
}

func TestUnsetValuesReturnDefaults(t *testing.T) {
	svc := New(kvstore.NewMemory())
	ctx := context.Background()

	enabled, err := svc.GetBool(ctx, WebhooksEnabled, true)
	require.NoError(t, err)
	assert.True(t, enabled)

	size, err := svc.GetInt(ctx, QueueKeep, 250)
	require.NoError(t, err)
	assert.Equal(t, 250, size)
}

func TestSetBroadcastsChange(t *testing.T) {
	kv := kvstore.NewMemory()
	svc := New(kv)
	ctx := context.Background()

	msgs, cancel, err := kv.Subscribe(ctx, control.Channel)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, svc.Set(ctx, SMTPServerEnabled, true))

	select {
	case payload := <-msgs:
		var msg map[string]any
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, string(control.CmdSettings), msg["cmd"])
		assert.Equal(t, SMTPServerEnabled, msg["key"])
	case <-time.After(time.Second):
		t.Fatal("no settings broadcast")
	}
}
