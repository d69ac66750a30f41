package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// TokenBucket throttles sustained throughput. Tokens refill continuously at
// fillRate per second up to capacity. One bucket is shared by every chunk
// upload of a transfer; all access goes through its internal lock.
type TokenBucket struct {
	mu       sync.Mutex
	clock    clock.Clock
	capacity float64
	fillRate float64
	tokens   float64
	stamp    time.Time
}

// New returns a full bucket.
func New(clk clock.Clock, capacity, fillRate float64) *TokenBucket {
	return NewWithTokens(clk, capacity, fillRate, capacity)
}

// NewWithTokens returns a bucket primed with an explicit token count.
func NewWithTokens(clk clock.Clock, capacity, fillRate, tokens float64) *TokenBucket {
	return &TokenBucket{
		clock:    clk,
		capacity: capacity,
		fillRate: fillRate,
		tokens:   tokens,
		stamp:    clk.Now(),
	}
}

// Consume takes n tokens if available right now. It never waits.
func (b *TokenBucket) Consume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		return false
	}
	b.refill()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// ConsumeWithWait consumes up to max tokens if they're available, otherwise
// whatever is available above min, otherwise it sleeps until min tokens have
// accumulated and consumes exactly min. Trades burst throughput for
// smoothness. Returns the number of tokens consumed.
func (b *TokenBucket) ConsumeWithWait(ctx context.Context, min, max float64) (float64, error) {
	b.mu.Lock()
	b.refill()
	if b.tokens >= max {
		b.tokens -= max
		b.mu.Unlock()
		return max, nil
	}
	if b.tokens >= min {
		granted := b.tokens
		b.tokens = 0
		b.mu.Unlock()
		return granted, nil
	}
	wait := time.Duration((min - b.tokens) / b.fillRate * float64(time.Second))
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-b.clock.After(wait):
	}

	b.mu.Lock()
	b.tokens = 0
	b.stamp = b.clock.Now()
	b.mu.Unlock()
	return min, nil
}

// refill credits elapsed time. Caller holds the lock.
func (b *TokenBucket) refill() {
	now := b.clock.Now()
	if b.tokens < b.capacity {
		delta := b.fillRate * now.Sub(b.stamp).Seconds()
		b.tokens += delta
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.stamp = now
}
