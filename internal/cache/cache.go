// Package cache implements the verification cache: a durable map from
// (resource content hash, check kind) to a previously computed result.
// Entries expire by TTL and the store is bounded, evicting oldest entries
// first. Content addressing makes staleness structurally impossible: if a
// resource's bytes change, its hash changes and the lookup misses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/pact/internal/config"
	"github.com/fyrsmithlabs/pact/internal/statefile"
)

// Entry is one cached verification result.
type Entry struct {
	ResourceHash string          `yaml:"resource_hash"`
	CheckKind    string          `yaml:"check_kind"`
	Result       string          `yaml:"result"`
	CreatedAt    time.Time       `yaml:"created_at"`
	TTL          config.Duration `yaml:"ttl"`
}

// state is the durable cache file layout.
type state struct {
	Entries []Entry `yaml:"entries"`
}

// Cache is the verification cache over a durable state file. Reads are safe
// from multiple concurrent processes; writes are last-writer-wins per key.
type Cache struct {
	file       *statefile.File
	maxEntries int
	defaultTTL time.Duration

	// now is swappable for expiry tests.
	now func() time.Time
}

// New creates a cache persisted at path with the configured bounds.
func New(path string, cfg config.CacheConfig) *Cache {
	return &Cache{
		file:       statefile.New(path),
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.TTL.Duration(),
		now:        time.Now,
	}
}

// HashFile returns the content-addressed digest of the file at path.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hash resource: %w", err)
	}
	return HashBytes(data), nil
}

// HashBytes returns the digest of raw content.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached entry for (resourceHash, checkKind), or ok=false
// on a miss. Expired entries are misses; they are removed lazily on the
// next write.
func (c *Cache) Get(ctx context.Context, resourceHash, checkKind string) (Entry, bool, error) {
	st, err := c.load(ctx)
	if err != nil {
		return Entry{}, false, err
	}

	for _, entry := range st.Entries {
		if entry.ResourceHash != resourceHash || entry.CheckKind != checkKind {
			continue
		}
		if c.expired(entry) {
			return Entry{}, false, nil
		}
		return entry, true, nil
	}
	return Entry{}, false, nil
}

// Put stores a result under (resourceHash, checkKind), replacing any
// previous entry for the key. A ttl of zero uses the configured default.
// Expired entries are swept and the oldest entries evicted if the bound is
// exceeded.
func (c *Cache) Put(ctx context.Context, resourceHash, checkKind, result string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	return c.file.Update(ctx, func(data []byte) ([]byte, error) {
		st, err := decode(data)
		if err != nil {
			return nil, err
		}

		kept := st.Entries[:0]
		for _, entry := range st.Entries {
			if c.expired(entry) {
				continue
			}
			if entry.ResourceHash == resourceHash && entry.CheckKind == checkKind {
				continue
			}
			kept = append(kept, entry)
		}
		st.Entries = append(kept, Entry{
			ResourceHash: resourceHash,
			CheckKind:    checkKind,
			Result:       result,
			CreatedAt:    c.now(),
			TTL:          config.Duration(ttl),
		})

		// Oldest-created-first eviction, deliberately not LRU: simple
		// and auditable.
		if len(st.Entries) > c.maxEntries {
			sort.Slice(st.Entries, func(i, j int) bool {
				return st.Entries[i].CreatedAt.Before(st.Entries[j].CreatedAt)
			})
			st.Entries = st.Entries[len(st.Entries)-c.maxEntries:]
		}

		return yaml.Marshal(st)
	})
}

// Clear empties the cache, returning the number of entries removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	removed := 0
	err := c.file.Update(ctx, func(data []byte) ([]byte, error) {
		st, err := decode(data)
		if err != nil {
			return nil, err
		}
		removed = len(st.Entries)
		return yaml.Marshal(&state{})
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Len returns the number of live (unexpired) entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	st, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range st.Entries {
		if !c.expired(entry) {
			n++
		}
	}
	return n, nil
}

func (c *Cache) expired(entry Entry) bool {
	return c.now().Sub(entry.CreatedAt) >= entry.TTL.Duration()
}

func (c *Cache) load(ctx context.Context) (*state, error) {
	data, err := c.file.Read(ctx)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (*state, error) {
	st := &state{}
	if len(data) == 0 {
		return st, nil
	}
	if err := yaml.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode cache state: %w", err)
	}
	return st, nil
}
