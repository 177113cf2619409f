package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jhult/emailengine/internal/kvstore"
)

// LogEntry is one line in an account's log ring.
type LogEntry struct {
	Time      time.Time `msgpack:"time"`
	Level     string    `msgpack:"level"`
	Component string    `msgpack:"component"`
	Message   string    `msgpack:"message"`
}

// LogRing is the bounded per-account log, appended by the owning worker and
// read by the API. Entries are MessagePack encoded.
type LogRing struct {
	kv       kvstore.Store
	maxLines int
}

// NewLogRing creates a ring capped at maxLines entries per account.
func NewLogRing(kv kvstore.Store, maxLines int) *LogRing {
	if maxLines < 1 {
		maxLines = 10000
	}
	return &LogRing{kv: kv, maxLines: maxLines}
}

// Append pushes an entry and trims the ring.
func (l *LogRing) Append(ctx context.Context, accountID string, entry LogEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	raw, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	key := LogKey(accountID)
	if err := l.kv.LPush(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("append log for %s: %w", accountID, err)
	}
	return l.kv.LTrim(ctx, key, 0, int64(l.maxLines)-1)
}

// List returns up to limit entries, newest first.
func (l *LogRing) List(ctx context.Context, accountID string, limit int) ([]LogEntry, error) {
	if limit < 1 || limit > l.maxLines {
		limit = l.maxLines
	}
	raw, err := l.kv.LRange(ctx, LogKey(accountID), 0, int64(limit)-1)
	if err != nil {
		return nil, fmt.Errorf("read log for %s: %w", accountID, err)
	}
	entries := make([]LogEntry, 0, len(raw))
	for _, item := range raw {
		var entry LogEntry
		if err := msgpack.Unmarshal([]byte(item), &entry); err != nil {
			// Skip undecodable entries instead of failing the whole read.
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
