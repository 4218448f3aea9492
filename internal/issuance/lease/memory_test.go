package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenfund/pkg/platform/sentinel"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryLease(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemory(WithClock(clock.Now))

	t.Run("held lease blocks other owners", func(t *testing.T) {
		require.NoError(t, l.Acquire(ctx, "tx1", "worker-a", time.Minute))
		assert.ErrorIs(t, l.Acquire(ctx, "tx1", "worker-b", time.Minute), sentinel.ErrLeaseHeld)
	})

	t.Run("owner may re-acquire and extend", func(t *testing.T) {
		require.NoError(t, l.Acquire(ctx, "tx1", "worker-a", time.Minute))
		require.NoError(t, l.Extend(ctx, "tx1", "worker-a", time.Minute))
		assert.ErrorIs(t, l.Extend(ctx, "tx1", "worker-b", time.Minute), sentinel.ErrLeaseLost)
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		require.NoError(t, l.Acquire(ctx, "tx1", "worker-b", time.Minute))
		assert.ErrorIs(t, l.Extend(ctx, "tx1", "worker-a", time.Minute), sentinel.ErrLeaseLost)
	})

	t.Run("release by non-owner is ignored", func(t *testing.T) {
		require.NoError(t, l.Release(ctx, "tx1", "worker-a"))
		assert.ErrorIs(t, l.Acquire(ctx, "tx1", "worker-a", time.Minute), sentinel.ErrLeaseHeld)

		require.NoError(t, l.Release(ctx, "tx1", "worker-b"))
		assert.NoError(t, l.Acquire(ctx, "tx1", "worker-a", time.Minute))
	})
}

func TestMemoryLeaseSingleWinner(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Acquire(ctx, "tx", string(rune('a'+i)), time.Minute); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
