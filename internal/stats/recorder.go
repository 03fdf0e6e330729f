package stats

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Counter names accepted by Recorder implementations.
const (
	CounterDialed    = "dialed"
	CounterConnected = "connected"
	CounterFailed    = "failed"
	CounterVoicemail = "voicemail"
)

// RedisRecorder keeps live per-campaign counters in redis so the stats
// API reflects in-flight activity before sessions are persisted as
// terminal. Increments are best-effort: a lost increment skews the live
// view, not the durable record.
type RedisRecorder struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisRecorder(rdb *redis.Client, log *slog.Logger) *RedisRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &RedisRecorder{rdb: rdb, log: log}
}

func counterKey(campaignID, name string) string {
	return "dialcast:stats:" + campaignID + ":" + name
}

func (r *RedisRecorder) Incr(ctx context.Context, campaignID, name string) {
	if err := r.rdb.Incr(ctx, counterKey(campaignID, name)).Err(); err != nil {
		r.log.Warn("stats increment failed", "campaign_id", campaignID, "counter", name, "err", err)
	}
}

// Counters reads the live counters for a campaign; missing keys are zero.
func (r *RedisRecorder) Counters(ctx context.Context, campaignID string) (map[string]int64, error) {
	names := []string{CounterDialed, CounterConnected, CounterFailed, CounterVoicemail}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = counterKey(campaignID, n)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(names))
	for i, v := range vals {
		out[names[i]] = asInt64(v)
	}
	return out, nil
}

func asInt64(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}

// MemoryRecorder is a single-process recorder for tests.
type MemoryRecorder struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{counts: make(map[string]int64)}
}

func (r *MemoryRecorder) Incr(ctx context.Context, campaignID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[campaignID+":"+name]++
}

func (r *MemoryRecorder) Counters(ctx context.Context, campaignID string) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64)
	for _, n := range []string{CounterDialed, CounterConnected, CounterFailed, CounterVoicemail} {
		out[n] = r.counts[campaignID+":"+n]
	}
	return out, nil
}
