package lockd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pact/internal/config"
	"github.com/fyrsmithlabs/pact/internal/logging"
)

// ErrConflict indicates a resource is held by another live agent. Callers
// retry until their acquire timeout elapses; the conflict is surfaced in the
// AcquireResult once it does.
var ErrConflict = errors.New("lock conflict")

// Coordinator grants and releases batches of resource locks. It is the sole
// arbiter preventing two executor processes from touching the same resource
// simultaneously.
type Coordinator struct {
	store             Store
	logger            *logging.Logger
	staleAfter        time.Duration
	heartbeatInterval time.Duration

	// now is swappable for staleness tests.
	now func() time.Time

	mu         sync.Mutex
	heartbeats map[string]chan struct{} // task id -> heartbeat stop channel
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(store Store, cfg config.LockConfig, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		store:             store,
		logger:            logger.Named("lockd"),
		staleAfter:        cfg.StaleAfter.Duration(),
		heartbeatInterval: cfg.HeartbeatInterval.Duration(),
		now:               time.Now,
		heartbeats:        make(map[string]chan struct{}),
	}
}

// IsStale reports whether a record's heartbeat has gone quiet long enough
// for the lock to be forcibly reclaimed.
func (c *Coordinator) IsStale(record LockRecord) bool {
	return c.now().Sub(record.HeartbeatAt) > c.staleAfter
}

// Acquire locks every resource in the batch or none of them. Paths are
// sorted lexicographically and claimed in order inside a single store
// transaction; the first conflict with a live lock abandons the whole
// transaction, so no partial batch is ever persisted. Stale locks are
// reclaimed in passing and reported in the result.
//
// A contended batch is retried with backoff until timeout elapses, after
// which the result names the blocking agent and resource.
func (c *Coordinator) Acquire(ctx context.Context, resources []string, agentID, taskID string, timeout time.Duration) (*AcquireResult, error) {
	sorted := append([]string(nil), resources...)
	sort.Strings(sorted)

	result := &AcquireResult{}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = timeout

	attempt := func() error {
		*result = AcquireResult{}
		err := c.store.Update(ctx, func(state *State) error {
			now := c.now()
			for _, path := range sorted {
				existing, held := state.Locks[path]
				if held && existing.OwnerAgentID != agentID {
					if !c.IsStale(existing) {
						result.BlockingAgent = existing.OwnerAgentID
						result.BlockingResource = path
						return ErrConflict
					}
					result.Reclaimed = append(result.Reclaimed, path)
				}
				state.Locks[path] = LockRecord{
					ResourcePath: path,
					OwnerAgentID: agentID,
					TaskID:       taskID,
					AcquiredAt:   now,
					HeartbeatAt:  now,
				}
			}
			return nil
		})
		if errors.Is(err, ErrConflict) {
			return err // transient: holder may release before timeout
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, context.DeadlineExceeded) {
			result.Success = false
			return result, nil
		}
		return nil, fmt.Errorf("acquire batch: %w", err)
	}

	result.Success = true
	result.Acquired = sorted

	for _, path := range result.Reclaimed {
		c.logger.Warn(ctx, "reclaimed stale lock",
			zap.String("resource", path),
			zap.String("new_owner", agentID))
	}

	c.startHeartbeat(sorted, agentID, taskID)
	return result, nil
}

// Check simulates an acquisition without writing any state. Used by plan
// mode to report would-be conflicts.
func (c *Coordinator) Check(ctx context.Context, resources []string, agentID string) (*AcquireResult, error) {
	state, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	sorted := append([]string(nil), resources...)
	sort.Strings(sorted)

	result := &AcquireResult{Success: true, Acquired: sorted}
	for _, path := range sorted {
		existing, held := state.Locks[path]
		if !held || existing.OwnerAgentID == agentID {
			continue
		}
		if c.IsStale(existing) {
			result.Reclaimed = append(result.Reclaimed, path)
			continue
		}
		result.Success = false
		result.Acquired = nil
		result.BlockingAgent = existing.OwnerAgentID
		result.BlockingResource = path
		break
	}
	return result, nil
}

// Release drops the given resources if they are held by agentID. Releasing
// an already-released or never-acquired lock is a no-op, supporting
// crash-recovery cleanup paths.
func (c *Coordinator) Release(ctx context.Context, resources []string, agentID string) error {
	c.stopHeartbeats()

	return c.store.Update(ctx, func(state *State) error {
		for _, path := range resources {
			existing, held := state.Locks[path]
			if held && existing.OwnerAgentID == agentID {
				delete(state.Locks, path)
			}
		}
		return nil
	})
}

// List returns current lock records sorted by resource path, optionally
// filtered to one resource.
func (c *Coordinator) List(ctx context.Context, resource string) ([]LockRecord, error) {
	state, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]LockRecord, 0, len(state.Locks))
	for _, record := range state.Locks {
		if resource != "" && record.ResourcePath != resource {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ResourcePath < records[j].ResourcePath
	})
	return records, nil
}

// startHeartbeat refreshes HeartbeatAt for a held batch until released.
func (c *Coordinator) startHeartbeat(resources []string, agentID, taskID string) {
	stop := make(chan struct{})

	c.mu.Lock()
	if prev, ok := c.heartbeats[taskID]; ok {
		close(prev)
	}
	c.heartbeats[taskID] = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				err := c.store.Update(context.Background(), func(state *State) error {
					now := c.now()
					for _, path := range resources {
						record, held := state.Locks[path]
						if held && record.OwnerAgentID == agentID && record.TaskID == taskID {
							record.HeartbeatAt = now
							state.Locks[path] = record
						}
					}
					return nil
				})
				if err != nil {
					c.logger.Warn(context.Background(), "heartbeat refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// stopHeartbeats stops all heartbeat refreshers owned by this coordinator.
func (c *Coordinator) stopHeartbeats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for taskID, stop := range c.heartbeats {
		close(stop)
		delete(c.heartbeats, taskID)
	}
}

// Close stops background heartbeat refreshers without touching lock state.
// Locks left behind by a crash become reclaimable once stale.
func (c *Coordinator) Close() {
	c.stopHeartbeats()
}
