package campaign

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dialcast/pkg/utils"
)

// Slots bounds the number of in-flight calls per campaign across all
// dispatcher instances. Acquire returns false when the bound is hit.
type Slots interface {
	Acquire(ctx context.Context, campaignID string, limit int, ttl time.Duration) (bool, error)
	Release(ctx context.Context, campaignID string) error
}

// RedisSlots is the production implementation. The TTL on the counter
// is the safety release: a session whose completion event is lost stops
// occupying capacity once the ring timeout plus grace elapses.
type RedisSlots struct {
	rdb *redis.Client
}

func NewRedisSlots(rdb *redis.Client) *RedisSlots {
	return &RedisSlots{rdb: rdb}
}

func (s *RedisSlots) Acquire(ctx context.Context, campaignID string, limit int, ttl time.Duration) (bool, error) {
	return utils.AcquireCallSlot(ctx, s.rdb, utils.CallSlotKey(campaignID), limit, ttl)
}

func (s *RedisSlots) Release(ctx context.Context, campaignID string) error {
	return utils.ReleaseCallSlot(ctx, s.rdb, utils.CallSlotKey(campaignID))
}

// MemorySlots is a single-process Slots for tests.
type MemorySlots struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemorySlots() *MemorySlots {
	return &MemorySlots{counts: make(map[string]int)}
}

func (s *MemorySlots) Acquire(ctx context.Context, campaignID string, limit int, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[campaignID] >= limit {
		return false, nil
	}
	s.counts[campaignID]++
	return true, nil
}

func (s *MemorySlots) Release(ctx context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[campaignID] > 0 {
		s.counts[campaignID]--
	}
	return nil
}

// InUse reports the current count (test helper).
func (s *MemorySlots) InUse(campaignID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[campaignID]
}
