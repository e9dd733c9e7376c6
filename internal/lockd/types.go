// Package lockd implements advisory, cross-process, per-resource exclusive
// locks. Lock state is durable: it lives in a single YAML file shared by all
// pact processes coordinating over the same filesystem, updated only through
// guarded read-modify-write transactions.
package lockd

import (
	"time"
)

// LockRecord represents exclusive ownership of one resource path by one
// agent for the duration of one contract execution. At most one live record
// exists per resource path.
type LockRecord struct {
	ResourcePath string    `yaml:"resource_path"`
	OwnerAgentID string    `yaml:"owner_agent_id"`
	TaskID       string    `yaml:"task_id"`
	AcquiredAt   time.Time `yaml:"acquired_at"`

	// HeartbeatAt is refreshed periodically while the lock is held. A
	// record whose heartbeat has gone quiet past the staleness threshold
	// may be forcibly reclaimed by another acquirer.
	HeartbeatAt time.Time `yaml:"heartbeat_at"`
}

// AcquireResult reports the outcome of a batch acquisition.
type AcquireResult struct {
	Success bool

	// Acquired lists the resources locked by this call, in sorted order.
	Acquired []string

	// BlockingAgent and BlockingResource identify the first conflict when
	// acquisition fails. No locks remain held by the caller in that case.
	BlockingAgent    string
	BlockingResource string

	// Reclaimed lists resources whose stale locks were forcibly taken
	// over. Surfaced as warnings, not failures.
	Reclaimed []string
}

// State is the durable lock table, keyed by resource path.
type State struct {
	Locks map[string]LockRecord `yaml:"locks"`
}

// NewState returns an empty lock table.
func NewState() *State {
	return &State{Locks: make(map[string]LockRecord)}
}
