package scan

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureCounter is the shared state behind the circuit breaker: an
// atomically incrementing counter with expiry. It is shared across all
// concurrent scan operations, possibly across processes.
type FailureCounter interface {
	// Increment adds one to the counter, (re)arming the expiry window, and
	// returns the new value.
	Increment(ctx context.Context, key string, expiry time.Duration) (int64, error)

	// Get returns the current value, or zero once the window has expired.
	Get(ctx context.Context, key string) (int64, error)

	// Reset clears the counter.
	Reset(ctx context.Context, key string) error
}

// MemoryCounter is a FailureCounter for single-process deployments. The
// mutex makes increments atomic; naive read-increment-write would undercount
// under concurrent scans.
type MemoryCounter struct {
	mu   sync.Mutex
	vals map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	count   int64
	expires time.Time
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		vals: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *MemoryCounter) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Increment adds one to the counter and re-arms the expiry window.
func (c *MemoryCounter) Increment(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.vals[key]
	if !entry.expires.IsZero() && c.now().After(entry.expires) {
		entry = memoryEntry{}
	}
	entry.count++
	entry.expires = c.now().Add(expiry)
	c.vals[key] = entry
	return entry.count, nil
}

// Get returns the current value, or zero once the window has expired.
func (c *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.vals[key]
	if !ok {
		return 0, nil
	}
	if !entry.expires.IsZero() && c.now().After(entry.expires) {
		delete(c.vals, key)
		return 0, nil
	}
	return entry.count, nil
}

// Reset clears the counter.
func (c *MemoryCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vals, key)
	return nil
}

// RedisCounter is a FailureCounter backed by Redis, for multi-process
// deployments where every worker must see the same breaker state. INCR is
// atomic server-side, so concurrent failures never lose updates.
type RedisCounter struct {
	client redis.UniversalClient
}

// NewRedisCounter creates a counter over an existing Redis client.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// Increment adds one to the counter and re-arms the expiry window.
func (c *RedisCounter) Increment(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Get returns the current value, or zero when the key has expired.
func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Reset clears the counter.
func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
