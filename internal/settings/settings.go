// Package settings holds global runtime settings in a single KV hash.
// Entries are JSON strings or bare scalars; typed accessors normalize both
// forms. Changes are broadcast on the control channel so workers react
// without polling.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/kvstore"
)

// KeySettings is the settings hash.
const KeySettings = "settings"

// Well-known setting names.
const (
	WebhooksEnabled   = "webhooksEnabled"
	WebhookURL        = "webhooks"
	WebhookEvents     = "webhookEvents"
	WebhookHeaders    = "webhookHeaders"
	NotifyText        = "notifyText"
	NotifyTextSize    = "notifyTextSize"
	QueueKeep         = "queueKeep"
	SMTPServerEnabled = "smtpServerEnabled"
	AccountLogs       = "logs"
	ServiceSecret     = "serviceSecret"
	NotifyHeaders     = "notifyHeaders"
)

// Service reads and writes settings.
type Service struct {
	kv kvstore.Store
}

// New creates the settings service.
func New(kv kvstore.Store) *Service {
	return &Service{kv: kv}
}

// Get returns the raw stored value, or "" when unset.
func (s *Service) Get(ctx context.Context, name string) (string, error) {
	val, err := s.kv.HGet(ctx, KeySettings, name)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	return val, err
}

// Set stores a value and broadcasts the change.
func (s *Service) Set(ctx context.Context, name string, value any) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case bool:
		raw = strconv.FormatBool(v)
	case int:
		raw = strconv.Itoa(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode setting %s: %w", name, err)
		}
		raw = string(b)
	}
	if err := s.kv.HSet(ctx, KeySettings, map[string]string{name: raw}); err != nil {
		return fmt.Errorf("store setting %s: %w", name, err)
	}
	return s.broadcast(ctx, name)
}

// GetBool reads a boolean setting with a default for unset values.
func (s *Service) GetBool(ctx context.Context, name string, def bool) (bool, error) {
	raw, err := s.Get(ctx, name)
	if err != nil || raw == "" {
		return def, err
	}
	switch raw {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	var b bool
	if err := json.Unmarshal([]byte(raw), &b); err == nil {
		return b, nil
	}
	return def, nil
}

// GetInt reads an integer setting with a default.
func (s *Service) GetInt(ctx context.Context, name string, def int) (int, error) {
	raw, err := s.Get(ctx, name)
	if err != nil || raw == "" {
		return def, err
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	var n int
	if err := json.Unmarshal([]byte(raw), &n); err == nil {
		return n, nil
	}
	return def, nil
}

// GetStringSlice reads a JSON string-array setting.
func (s *Service) GetStringSlice(ctx context.Context, name string) ([]string, error) {
	raw, err := s.Get(ctx, name)
	if err != nil || raw == "" {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("setting %s is not a string list: %w", name, err)
	}
	return out, nil
}

// GetStringMap reads a JSON object setting.
func (s *Service) GetStringMap(ctx context.Context, name string) (map[string]string, error) {
	raw, err := s.Get(ctx, name)
	if err != nil || raw == "" {
		return nil, err
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("setting %s is not an object: %w", name, err)
	}
	return out, nil
}

// All returns a copy of the settings hash.
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	return s.kv.HGetAll(ctx, KeySettings)
}

// broadcast publishes a settings-change message on the control channel. The
// supervisor fans it out to the workers that care.
func (s *Service) broadcast(ctx context.Context, name string) error {
	payload, err := json.Marshal(map[string]any{"cmd": control.CmdSettings, "key": name})
	if err != nil {
		return err
	}
	return s.kv.Publish(ctx, control.Channel, payload)
}
