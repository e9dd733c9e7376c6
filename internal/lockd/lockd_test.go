package lockd

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/pact/internal/config"
)

func testLockConfig() config.LockConfig {
	return config.LockConfig{
		StaleAfter:        config.Duration(time.Minute),
		HeartbeatInterval: config.Duration(20 * time.Millisecond),
		AcquireTimeout:    config.Duration(time.Second),
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locks.yaml")
	c := NewCoordinator(NewFileStore(path), testLockConfig(), nil)
	t.Cleanup(c.Close)
	return c, path
}

func TestAcquireAndRelease(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	result, err := c.Acquire(ctx, []string{"b.txt", "a.txt"}, "agent-1", "T1", time.Second)
	require.NoError(t, err)
	require.True(t, result.Success)

	// Batch is claimed in sorted order.
	assert.Equal(t, []string{"a.txt", "b.txt"}, result.Acquired)

	records, err := c.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "agent-1", records[0].OwnerAgentID)
	assert.Equal(t, "T1", records[0].TaskID)

	require.NoError(t, c.Release(ctx, []string{"a.txt", "b.txt"}, "agent-1"))

	records, err = c.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAcquireConflictReturnsBlocker(t *testing.T) {
	c, path := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.Acquire(ctx, []string{"shared.txt"}, "agent-1", "T1", time.Second)
	require.NoError(t, err)
	require.True(t, first.Success)

	other := NewCoordinator(NewFileStore(path), testLockConfig(), nil)
	defer other.Close()

	second, err := other.Acquire(ctx, []string{"shared.txt"}, "agent-2", "T2", 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, "agent-1", second.BlockingAgent)
	assert.Equal(t, "shared.txt", second.BlockingResource)
}

func TestAcquireBatchAtomicity(t *testing.T) {
	c, path := newTestCoordinator(t)
	ctx := context.Background()

	// agent-1 holds b.txt; agent-2 requests a.txt and b.txt.
	held, err := c.Acquire(ctx, []string{"b.txt"}, "agent-1", "T1", time.Second)
	require.NoError(t, err)
	require.True(t, held.Success)

	other := NewCoordinator(NewFileStore(path), testLockConfig(), nil)
	defer other.Close()

	result, err := other.Acquire(ctx, []string{"a.txt", "b.txt"}, "agent-2", "T2", 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, "b.txt", result.BlockingResource)

	// a.txt must not be left locked by the failed batch.
	records, err := c.List(ctx, "a.txt")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMutualExclusionConcurrentAcquire(t *testing.T) {
	_, path := newTestCoordinator(t)
	ctx := context.Background()

	agents := []string{"agent-1", "agent-2", "agent-3", "agent-4"}
	successes := make([]bool, len(agents))

	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent string) {
			defer wg.Done()
			coord := NewCoordinator(NewFileStore(path), testLockConfig(), nil)
			defer coord.Close()

			result, err := coord.Acquire(ctx, []string{"shared.txt"}, agent, "T", 150*time.Millisecond)
			if err == nil && result.Success {
				successes[i] = true
			}
		}(i, agent)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one concurrent acquirer must win")
}

func TestAcquireWaitsForRelease(t *testing.T) {
	c, path := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.Acquire(ctx, []string{"shared.txt"}, "agent-1", "T1", time.Second)
	require.NoError(t, err)
	require.True(t, first.Success)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = c.Release(ctx, []string{"shared.txt"}, "agent-1")
	}()

	other := NewCoordinator(NewFileStore(path), testLockConfig(), nil)
	defer other.Close()

	second, err := other.Acquire(ctx, []string{"shared.txt"}, "agent-2", "T2", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, second.Success, "acquire should succeed once the holder releases")
}

func TestStaleLockReclaimed(t *testing.T) {
	c, path := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.Acquire(ctx, []string{"shared.txt"}, "agent-1", "T1", time.Second)
	require.NoError(t, err)
	require.True(t, first.Success)
	c.Close() // heartbeats stop; the lock will go stale

	other := NewCoordinator(NewFileStore(path), testLockConfig(), nil)
	defer other.Close()
	other.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	result, err := other.Acquire(ctx, []string{"shared.txt"}, "agent-2", "T2", time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"shared.txt"}, result.Reclaimed)

	records, err := other.List(ctx, "shared.txt")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "agent-2", records[0].OwnerAgentID)
}

func TestIsStale(t *testing.T) {
	c, _ := newTestCoordinator(t)

	fresh := LockRecord{HeartbeatAt: time.Now()}
	assert.False(t, c.IsStale(fresh))

	quiet := LockRecord{HeartbeatAt: time.Now().Add(-2 * time.Minute)}
	assert.True(t, c.IsStale(quiet))
}

func TestReleaseIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	result, err := c.Acquire(ctx, []string{"a.txt"}, "agent-1", "T1", time.Second)
	require.NoError(t, err)
	require.True(t, result.Success)

	require.NoError(t, c.Release(ctx, []string{"a.txt"}, "agent-1"))
	require.NoError(t, c.Release(ctx, []string{"a.txt"}, "agent-1"))
	require.NoError(t, c.Release(ctx, []string{"never-locked.txt"}, "agent-1"))
}

func TestReleaseOnlyDropsOwnLocks(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	result, err := c.Acquire(ctx, []string{"a.txt"}, "agent-1", "T1", time.Second)
	require.NoError(t, err)
	require.True(t, result.Success)

	require.NoError(t, c.Release(ctx, []string{"a.txt"}, "agent-2"))

	records, err := c.List(ctx, "a.txt")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "agent-1", records[0].OwnerAgentID)
}

func TestHeartbeatRefreshesWhileHeld(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	result, err := c.Acquire(ctx, []string{"a.txt"}, "agent-1", "T1", time.Second)
	require.NoError(t, err)
	require.True(t, result.Success)

	records, err := c.List(ctx, "a.txt")
	require.NoError(t, err)
	initial := records[0].HeartbeatAt

	require.Eventually(t, func() bool {
		records, err := c.List(ctx, "a.txt")
		if err != nil || len(records) != 1 {
			return false
		}
		return records[0].HeartbeatAt.After(initial)
	}, 2*time.Second, 20*time.Millisecond, "heartbeat should advance while the lock is held")
}

func TestCheckSimulatesWithoutWriting(t *testing.T) {
	c, path := newTestCoordinator(t)
	ctx := context.Background()

	result, err := c.Check(ctx, []string{"a.txt"}, "agent-1")
	require.NoError(t, err)
	assert.True(t, result.Success)

	// Simulation must not create locks.
	records, err := c.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, records)

	held, err := c.Acquire(ctx, []string{"a.txt"}, "agent-1", "T1", time.Second)
	require.NoError(t, err)
	require.True(t, held.Success)

	other := NewCoordinator(NewFileStore(path), testLockConfig(), nil)
	defer other.Close()

	conflicted, err := other.Check(ctx, []string{"a.txt"}, "agent-2")
	require.NoError(t, err)
	assert.False(t, conflicted.Success)
	assert.Equal(t, "agent-1", conflicted.BlockingAgent)
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks.yaml")
	ctx := context.Background()

	c := NewCoordinator(NewFileStore(path), testLockConfig(), nil)
	result, err := c.Acquire(ctx, []string{"a.txt"}, "agent-1", "T1", time.Second)
	require.NoError(t, err)
	require.True(t, result.Success)
	c.Close()

	// A fresh coordinator over the same file sees the persisted lock.
	fresh := NewCoordinator(NewFileStore(path), testLockConfig(), nil)
	defer fresh.Close()

	records, err := fresh.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a.txt", records[0].ResourcePath)
}
