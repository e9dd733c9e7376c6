// Package statefile provides the durable shared-state primitive behind the
// lock and cache stores: a single file updated only through guarded
// read-modify-write transactions, written via temp-file-then-rename so a
// concurrent reader never observes a torn write.
package statefile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// guardStaleAfter bounds how long a crashed process can wedge the guard
// file before another updater removes it.
const guardStaleAfter = 30 * time.Second

// File is a durable state file shared across processes. Cross-process mutual
// exclusion for updates uses an O_EXCL guard file next to the state file.
type File struct {
	path string
}

// New creates a File at path. The parent directory is created on first
// update.
func New(path string) *File {
	return &File{path: path}
}

// Path returns the state file's path.
func (f *File) Path() string {
	return f.path
}

func (f *File) guardPath() string {
	return f.path + ".guard"
}

// Update runs a read-modify-write transaction: fn receives the current
// contents (nil when the file does not exist) and returns the replacement
// contents. If fn errors, nothing is written. The whole transaction holds
// the cross-process guard.
func (f *File) Update(ctx context.Context, fn func(data []byte) ([]byte, error)) error {
	if err := f.acquireGuard(ctx); err != nil {
		return fmt.Errorf("acquire state guard: %w", err)
	}
	defer f.releaseGuard()

	data, err := f.read()
	if err != nil {
		return err
	}

	next, err := fn(data)
	if err != nil {
		return err
	}

	return f.write(next)
}

// Read returns the current contents, nil when the file does not exist.
// Reads need no guard: the atomic rename in write guarantees a consistent
// file at every instant.
func (f *File) Read(_ context.Context) ([]byte, error) {
	return f.read()
}

// acquireGuard takes the cross-process mutex, waiting with backoff while
// another process holds it. Guards older than guardStaleAfter are presumed
// abandoned by a crashed process and removed.
func (f *File) acquireGuard(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = guardStaleAfter + 5*time.Second

	return backoff.Retry(func() error {
		guard, err := os.OpenFile(f.guardPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(guard, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			return guard.Close()
		}
		if !os.IsExist(err) {
			return backoff.Permanent(fmt.Errorf("create guard file: %w", err))
		}

		// Held by someone else; break it only if abandoned.
		if info, statErr := os.Stat(f.guardPath()); statErr == nil {
			if time.Since(info.ModTime()) > guardStaleAfter {
				_ = os.Remove(f.guardPath())
			}
		}
		return fmt.Errorf("state guard held: %w", err)
	}, backoff.WithContext(bo, ctx))
}

func (f *File) releaseGuard() {
	_ = os.Remove(f.guardPath())
}

func (f *File) read() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return data, nil
}

func (f *File) write(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
