package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/jhult/emailengine/internal/kvstore"
)

// KeyStatsIndex tracks which counters have daily histograms.
const KeyStatsIndex = "stats:keys"

// statsSink persists metric updates into daily histograms with one-minute
// resolution: stats:{counter}:{YYYYMMDD} hashes keyed by HHMM.
type statsSink struct {
	kv        kvstore.Store
	retention time.Duration
	now       func() time.Time
}

func newStatsSink(kv kvstore.Store, retentionDays int) *statsSink {
	if retentionDays < 1 {
		retentionDays = 30
	}
	return &statsSink{
		kv:        kv,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// record adds value to the counter's current minute bucket.
func (s *statsSink) record(ctx context.Context, counter string, value int64) error {
	now := s.now()
	key := fmt.Sprintf("stats:%s:%s", counter, now.Format("20060102"))
	field := now.Format("1504")
	if _, err := s.kv.HIncrBy(ctx, key, field, value); err != nil {
		return fmt.Errorf("record stat %s: %w", counter, err)
	}
	if err := s.kv.Expire(ctx, key, s.retention+24*time.Hour); err != nil {
		return fmt.Errorf("expire stat %s: %w", counter, err)
	}
	if err := s.kv.SAdd(ctx, KeyStatsIndex, counter); err != nil {
		return fmt.Errorf("index stat %s: %w", counter, err)
	}
	return nil
}
