package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunGroupPreservesOrder(t *testing.T) {
	p := New(4, time.Second)

	units := make([]Unit, 8)
	for i := range units {
		i := i
		units[i] = Unit{
			Index: i,
			Name:  fmt.Sprintf("unit-%d", i),
			Run: func(ctx context.Context) (string, error) {
				return fmt.Sprintf("out-%d", i), nil
			},
		}
	}

	results := p.RunGroup(context.Background(), units)
	require.Len(t, results, 8)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, fmt.Sprintf("out-%d", i), r.Output)
		assert.NoError(t, r.Err)
	}
}

func TestRunGroupBoundsConcurrency(t *testing.T) {
	const workers = 2
	p := New(workers, time.Second)

	var current, peak int64
	units := make([]Unit, 6)
	for i := range units {
		units[i] = Unit{
			Index: i,
			Run: func(ctx context.Context) (string, error) {
				n := atomic.AddInt64(&current, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&current, -1)
				return "", nil
			},
		}
	}

	p.RunGroup(context.Background(), units)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(workers))
}

func TestRunGroupFailureDoesNotCancelSiblings(t *testing.T) {
	p := New(4, time.Second)

	var completed int64
	boom := errors.New("boom")

	units := []Unit{
		{Index: 0, Name: "fails", Run: func(ctx context.Context) (string, error) {
			return "", boom
		}},
		{Index: 1, Name: "slow-ok", Run: func(ctx context.Context) (string, error) {
			time.Sleep(50 * time.Millisecond)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			atomic.AddInt64(&completed, 1)
			return "done", nil
		}},
		{Index: 2, Name: "ok", Run: func(ctx context.Context) (string, error) {
			atomic.AddInt64(&completed, 1)
			return "done", nil
		}},
	}

	results := p.RunGroup(context.Background(), units)

	assert.ErrorIs(t, results[0].Err, boom)
	assert.NoError(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&completed))
}

func TestRunOneTimeout(t *testing.T) {
	p := New(1, 30*time.Millisecond)

	units := []Unit{{
		Index: 0,
		Name:  "sleeper",
		Run: func(ctx context.Context) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "never", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}}

	start := time.Now()
	results := p.RunGroup(context.Background(), units)

	require.Error(t, results[0].Err)
	assert.True(t, results[0].TimedOut)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTimeoutDoesNotAffectSiblings(t *testing.T) {
	p := New(2, 50*time.Millisecond)

	units := []Unit{
		{Index: 0, Name: "hangs", Run: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}},
		{Index: 1, Name: "quick", Run: func(ctx context.Context) (string, error) {
			return "fast", nil
		}},
	}

	results := p.RunGroup(context.Background(), units)
	assert.True(t, results[0].TimedOut)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, "fast", results[1].Output)
}

func TestSubmit(t *testing.T) {
	p := New(1, time.Second)

	result := <-p.Submit(context.Background(), Unit{
		Index: 0,
		Name:  "one",
		Run: func(ctx context.Context) (string, error) {
			return "solo", nil
		},
	})

	assert.NoError(t, result.Err)
	assert.Equal(t, "solo", result.Output)
}

func TestDurationsRecorded(t *testing.T) {
	p := New(1, time.Second)

	results := p.RunGroup(context.Background(), []Unit{{
		Index: 0,
		Run: func(ctx context.Context) (string, error) {
			time.Sleep(15 * time.Millisecond)
			return "", nil
		},
	}})

	require.Len(t, results, 1)
	assert.GreaterOrEqual(t, results[0].Duration(), 15*time.Millisecond)
	assert.False(t, results[0].StartedAt.IsZero())
	assert.False(t, results[0].FinishedAt.IsZero())
}
