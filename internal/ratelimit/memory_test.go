package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source shared by the limiter and its buckets.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(t *testing.T, rps float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rps, burst)
	m.now = clock.now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

// spend calls Allow n times for project and returns how many were admitted.
func spend(t *testing.T, m *MemoryLimiter, project string, n int) int {
	t.Helper()
	admitted := 0
	for range n {
		ok, err := m.Allow(context.Background(), project)
		require.NoError(t, err)
		if ok {
			admitted++
		}
	}
	return admitted
}

func TestProjectBurstThenRefusal(t *testing.T) {
	m, _ := newTestLimiter(t, 2, 4)
	project := uuid.NewString()

	assert.Equal(t, 4, spend(t, m, project, 6), "a fresh project gets exactly its burst")
}

func TestNoisyProjectDoesNotStarveOthers(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 3)
	noisy, quiet := uuid.NewString(), uuid.NewString()

	assert.Equal(t, 3, spend(t, m, noisy, 50))
	assert.Equal(t, 3, spend(t, m, quiet, 3), "another project keeps its whole burst")
	assert.Equal(t, 2, m.tracked())
}

func TestProjectRefillsAtSustainedRate(t *testing.T) {
	m, clock := newTestLimiter(t, 10, 2)
	project := uuid.NewString()

	require.Equal(t, 2, spend(t, m, project, 3))

	clock.advance(100 * time.Millisecond)
	assert.Equal(t, 1, spend(t, m, project, 2), "one token per 100ms at 10 rps")

	clock.advance(time.Hour)
	assert.Equal(t, 2, spend(t, m, project, 5), "refill never exceeds the burst")
}

func TestIdleProjectIsEvictedAndStartsFresh(t *testing.T) {
	m, clock := newTestLimiter(t, 0.001, 1)
	idle, active := uuid.NewString(), uuid.NewString()

	require.Equal(t, 1, spend(t, m, idle, 2))
	clock.advance(staleThreshold - time.Minute)
	require.Equal(t, 1, spend(t, m, active, 1))
	clock.advance(2 * time.Minute)

	m.evictStale()
	assert.Equal(t, 1, m.tracked(), "only the project seen within the window survives")
	assert.Equal(t, 1, spend(t, m, idle, 1), "an evicted project returns with a full burst")
	assert.Equal(t, 0, spend(t, m, active, 1), "a surviving project keeps its spent bucket")
}

func TestConcurrentRequestsNeverExceedBurst(t *testing.T) {
	m, _ := newTestLimiter(t, 0.001, 25)
	project := uuid.NewString()

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				ok, err := m.Allow(context.Background(), project)
				assert.NoError(t, err)
				if ok {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(25), admitted.Load())
}

func TestCloseStopsEvictionAndIsRepeatable(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	select {
	case <-m.done:
	default:
		t.Fatal("eviction loop was not signalled to stop")
	}
}

func TestNoopLimiterAdmitsEveryProject(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		ok, err := l.Allow(context.Background(), uuid.NewString())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
