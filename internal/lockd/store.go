package lockd

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/pact/internal/statefile"
)

// Store persists the shared lock table. Update runs a read-modify-write
// transaction under a cross-process mutex: concurrent updaters from other
// processes serialize, and readers never observe a torn write.
type Store interface {
	// Update loads the current state, applies fn, and persists the result
	// atomically. If fn returns an error the transaction is abandoned and
	// nothing is written.
	Update(ctx context.Context, fn func(state *State) error) error

	// Snapshot returns a read-only copy of the current state.
	Snapshot(ctx context.Context) (*State, error)
}

// FileStore is the durable Store: one YAML file shared by every pact
// process coordinating over the same filesystem.
type FileStore struct {
	file *statefile.File
}

// NewFileStore creates a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{file: statefile.New(path)}
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, fn func(state *State) error) error {
	return s.file.Update(ctx, func(data []byte) ([]byte, error) {
		state, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		if err := fn(state); err != nil {
			return nil, err
		}
		encoded, err := yaml.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("encode lock state: %w", err)
		}
		return encoded, nil
	})
}

// Snapshot implements Store.
func (s *FileStore) Snapshot(ctx context.Context) (*State, error) {
	data, err := s.file.Read(ctx)
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

func decodeState(data []byte) (*State, error) {
	state := NewState()
	if len(data) == 0 {
		return state, nil
	}
	if err := yaml.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("decode lock state: %w", err)
	}
	if state.Locks == nil {
		state.Locks = make(map[string]LockRecord)
	}
	return state, nil
}
