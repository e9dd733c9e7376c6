package statefile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMissingFile(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "state.yaml"))

	data, err := f.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestUpdateRoundTrip(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "sub", "state.yaml"))
	ctx := context.Background()

	err := f.Update(ctx, func(data []byte) ([]byte, error) {
		assert.Nil(t, data)
		return []byte("v1"), nil
	})
	require.NoError(t, err)

	data, err := f.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	err = f.Update(ctx, func(data []byte) ([]byte, error) {
		assert.Equal(t, []byte("v1"), data)
		return []byte("v2"), nil
	})
	require.NoError(t, err)

	data, err = f.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestUpdateErrorWritesNothing(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "state.yaml"))
	ctx := context.Background()

	require.NoError(t, f.Update(ctx, func([]byte) ([]byte, error) {
		return []byte("v1"), nil
	}))

	boom := errors.New("boom")
	err := f.Update(ctx, func([]byte) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	data, err := f.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data, "failed transaction must not change state")
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "state.yaml"))
	ctx := context.Background()

	const workers = 8
	const increments = 5

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := f.Update(ctx, func(data []byte) ([]byte, error) {
					n := 0
					if len(data) > 0 {
						var err error
						n, err = strconv.Atoi(string(data))
						if err != nil {
							return nil, err
						}
					}
					return []byte(fmt.Sprintf("%d", n+1)), nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	data, err := f.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*increments), string(data))
}

func TestStaleGuardIsBroken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	f := New(path)
	ctx := context.Background()

	// Simulate a guard left behind by a crashed process.
	require.NoError(t, os.WriteFile(f.guardPath(), []byte("999 old\n"), 0o600))
	old := time.Now().Add(-2 * guardStaleAfter)
	require.NoError(t, os.Chtimes(f.guardPath(), old, old))

	err := f.Update(ctx, func([]byte) ([]byte, error) {
		return []byte("recovered"), nil
	})
	require.NoError(t, err, "an abandoned guard must not block updates forever")
}

func TestGuardRemovedAfterUpdate(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "state.yaml"))

	require.NoError(t, f.Update(context.Background(), func([]byte) ([]byte, error) {
		return []byte("x"), nil
	}))

	_, err := os.Stat(f.guardPath())
	assert.True(t, os.IsNotExist(err))
}
