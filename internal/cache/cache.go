// Package cache is a durable key/value store with per-entry TTL. Each
// entry is one JSON file, so cached results survive process restarts
// within their TTL window. The layer is key-agnostic — deriving cache
// keys from query text belongs to the caller.
//
// Disk failures degrade to a miss rather than an error: the cache is a
// performance optimization, never a correctness dependency.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultMaxEntries caps the store so growth stays bounded even when
// nothing expires. Eviction removes the entries closest to expiry.
const DefaultMaxEntries = 1000

// entry is the on-disk record format.
type entry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Stats summarizes the store's current footprint.
type Stats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

// Store is a file-backed TTL cache. Safe for concurrent use; entries
// are last-writer-wins, acceptable because the same key always maps to
// the same value within a TTL window.
type Store struct {
	dir        string
	maxEntries int
	logger     *slog.Logger

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEntries overrides the entry cap.
func WithMaxEntries(n int) Option {
	return func(s *Store) { s.maxEntries = n }
}

// NewStore creates the cache directory if needed and returns the store.
func NewStore(dir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		dir:        dir,
		maxEntries: DefaultMaxEntries,
		logger:     logger.With("component", "cache"),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// fileFor maps an arbitrary key to a fixed-width, filesystem-safe name.
func (s *Store) fileFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}

// Get returns the cached value for key, or ok=false on a miss. Expiry
// is lazy: an entry past its deadline is deleted here and reported as a
// miss in the same call.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.fileFor(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Warn("removing unreadable cache entry", "path", path, "error", err)
		_ = os.Remove(path)
		return nil, false
	}
	if time.Now().After(e.ExpiresAt) {
		_ = os.Remove(path)
		return nil, false
	}
	return e.Value, true
}

// Set stores value under key for ttl. Writes go through a temp file and
// rename so a crash never leaves a torn entry. Failures are logged and
// swallowed.
func (s *Store) Set(key string, value json.RawMessage, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(entry{Value: value, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		s.logger.Warn("marshal cache entry", "error", err)
		return
	}

	path := s.fileFor(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("write cache entry", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("rename cache entry", "path", path, "error", err)
		_ = os.Remove(tmp)
		return
	}

	s.enforceCap()
}

// Clear removes every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.entryFiles()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// CleanupExpired removes every entry past its deadline and returns how
// many were removed.
func (s *Store) CleanupExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupExpiredLocked()
}

func (s *Store) cleanupExpiredLocked() (int, error) {
	names, err := s.entryFiles()
	if err != nil {
		return 0, err
	}

	removed := 0
	now := time.Now()
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var e entry
		if err := json.Unmarshal(data, &e); err != nil || now.After(e.ExpiresAt) {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Stats reports the entry count and total size on disk.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.entryFiles()
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	for _, name := range names {
		info, err := os.Stat(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		st.Entries++
		st.SizeBytes += info.Size()
	}
	return st, nil
}

// RunSweeper periodically removes expired entries until ctx is
// cancelled. One goroutine per store; lazy Get-side expiry still
// applies between sweeps.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.CleanupExpired()
			if err != nil {
				s.logger.Warn("cache sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("cache sweep removed entries", "count", n)
			}
		}
	}
}

// enforceCap keeps the entry count at or below the cap by dropping the
// entries closest to expiry first. Caller must hold s.mu.
func (s *Store) enforceCap() {
	names, err := s.entryFiles()
	if err != nil || len(names) <= s.maxEntries {
		return
	}

	// Expired entries go first; that alone usually gets under the cap.
	if _, err := s.cleanupExpiredLocked(); err != nil {
		return
	}
	names, err = s.entryFiles()
	if err != nil || len(names) <= s.maxEntries {
		return
	}

	type candidate struct {
		path      string
		expiresAt time.Time
	}
	var candidates []candidate
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var e entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: path, expiresAt: e.ExpiresAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].expiresAt.Before(candidates[j].expiresAt)
	})

	excess := len(candidates) - s.maxEntries
	for i := 0; i < excess; i++ {
		_ = os.Remove(candidates[i].path)
	}
}

// entryFiles lists cache entry filenames, skipping temp files.
func (s *Store) entryFiles() ([]string, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			continue
		}
		names = append(names, d.Name())
	}
	return names, nil
}

// Key derives a cache key from query text: whitespace runs collapse so
// formatting differences do not defeat the cache, and the PII flag is
// part of the key because scrubbed and unscrubbed results must never
// share an entry.
func Key(kql string, removePII bool) string {
	normalized := strings.Join(strings.Fields(kql), " ")
	if removePII {
		normalized += "|pii"
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
