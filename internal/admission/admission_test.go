package admission

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kinko/internal/testutil"
)

func newController(t *testing.T, capacity int, opts ...Option) *Controller {
	t.Helper()
	c := New(capacity, 5*time.Minute, time.Hour, testutil.TestLogger(), opts...)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func TestTryAdmitUpToCapacity(t *testing.T) {
	c := newController(t, 5)

	for i := 0; i < 5; i++ {
		require.True(t, c.TryAdmit(uuid.New()), "admission %d should succeed", i)
	}
	assert.Equal(t, 5, c.Occupancy())
	assert.False(t, c.TryAdmit(uuid.New()), "sixth admission must be rejected")
	assert.Equal(t, 5, c.Occupancy())
}

func TestTryAdmitRejectsDuplicateKey(t *testing.T) {
	c := newController(t, 5)
	key := uuid.New()

	require.True(t, c.TryAdmit(key))
	assert.False(t, c.TryAdmit(key))
	assert.Equal(t, 1, c.Occupancy())
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := newController(t, 1)
	key := uuid.New()

	require.True(t, c.TryAdmit(key))
	assert.True(t, c.Release(key))
	assert.False(t, c.Release(key), "second release must be a no-op")
	assert.Equal(t, 0, c.Occupancy())
	assert.True(t, c.TryAdmit(uuid.New()), "freed slot should be reusable")
}

func TestSweepReclaimsOnlyStaleSlots(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	c := newController(t, 5, WithClock(clock))
	old := uuid.New()
	require.True(t, c.TryAdmit(old))
	advance(4 * time.Minute)
	fresh := uuid.New()
	require.True(t, c.TryAdmit(fresh))
	advance(2 * time.Minute)

	reclaimed := c.sweep()
	assert.Equal(t, []uuid.UUID{old}, reclaimed)
	assert.Equal(t, 1, c.Occupancy())

	assert.False(t, c.Release(old), "release after reclaim must not double-free")
	assert.True(t, c.Release(fresh))
}

func TestSweepLoopRunsOnInterval(t *testing.T) {
	now := time.Now()
	c := New(2, time.Minute, 10*time.Millisecond, testutil.TestLogger(),
		WithClock(func() time.Time { return now.Add(time.Hour) }))
	t.Cleanup(func() { _ = c.Close() })

	c.mu.Lock()
	c.slots[uuid.New()] = now
	c.mu.Unlock()

	require.Eventually(t, func() bool { return c.Occupancy() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentAdmissionNeverExceedsCapacity(t *testing.T) {
	const capacity = 5
	c := newController(t, capacity)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
		maxSeen  atomic.Int64
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := uuid.New()
			if !c.TryAdmit(key) {
				return
			}
			admitted.Add(1)
			if occ := int64(c.Occupancy()); occ > maxSeen.Load() {
				maxSeen.Store(occ)
			}
			assert.True(t, c.Release(key), "admitted key released exactly once")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(capacity))
	assert.Positive(t, admitted.Load())
	assert.Equal(t, 0, c.Occupancy())
}

func TestCloseIdempotent(t *testing.T) {
	c := New(1, time.Minute, time.Minute, testutil.TestLogger())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
