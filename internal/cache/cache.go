// Package cache persists finished analysis results keyed by request
// fingerprint. Entries expire after a TTL; expired entries are pruned lazily
// on lookup and in bulk by the periodic sweep. The cache lives beside the
// job registry but shares no lifecycle with it: evicting a job never touches
// its cached result and expiring a result never touches the job row.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"vidatlas/internal/logging"
)

// Entry is one cached analysis result. Key carries the external cache key
// in the "{subject_id}:{strategy_version_hash}" form; Fingerprint is the
// digest the engine indexes by.
type Entry struct {
	Fingerprint     string          `json:"fingerprint"`
	Key             string          `json:"key"`
	SubjectID       string          `json:"subject_id"`
	StrategyVersion string          `json:"strategy_version"`
	Payload         json.RawMessage `json:"payload"`
	StoredAt        time.Time       `json:"stored_at"`
	TTLSeconds      int64           `json:"ttl_seconds"`
}

// ExpiresAt returns the instant the entry stops being served.
func (e Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Store provides thread-safe access to the result cache file.
type Store struct {
	path       string
	defaultTTL time.Duration
	logger     *slog.Logger
	mu         sync.Mutex
	entries    map[string]Entry // keyed by fingerprint
}

// Open creates a store backed by the given file. If path is empty the store
// is non-functional and every operation becomes a no-op, which disables
// caching without special-casing callers. The file is created lazily on the
// first Put.
func Open(path string, defaultTTL time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "cache")

	s := &Store{
		path:       path,
		defaultTTL: defaultTTL,
		logger:     logger,
		entries:    make(map[string]Entry),
	}

	if path == "" {
		return s
	}

	if err := s.load(); err != nil {
		logger.Warn("failed to load result cache",
			logging.String(logging.FieldEventType, "cache_load_failed"),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "cache will start empty"))
	}

	return s
}

// Get returns the live entry for the fingerprint. An expired entry counts as
// a miss and is pruned on the spot.
func (s *Store) Get(fingerprint string) (Entry, bool) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" || s.path == "" {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found := s.entries[fingerprint]
	if !found {
		return Entry{}, false
	}
	if entry.Expired(time.Now()) {
		delete(s.entries, fingerprint)
		if err := s.save(); err != nil {
			s.logger.Warn("failed to persist lazy prune", logging.Error(err))
		}
		return Entry{}, false
	}
	return entry, true
}

// Put adds or replaces the entry for its fingerprint and persists to disk.
// A zero StoredAt is stamped with the current time and a non-positive TTL
// falls back to the store default.
func (s *Store) Put(entry Entry) error {
	entry.Fingerprint = strings.TrimSpace(entry.Fingerprint)
	if entry.Fingerprint == "" {
		return errors.New("fingerprint cannot be empty")
	}
	if s.path == "" {
		return nil
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	if entry.TTLSeconds <= 0 {
		entry.TTLSeconds = int64(s.defaultTTL / time.Second)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.Fingerprint] = entry

	if err := s.save(); err != nil {
		return fmt.Errorf("persist cache: %w", err)
	}

	s.logger.Debug("cached analysis result",
		logging.String(logging.FieldFingerprint, entry.Fingerprint),
		logging.String(logging.FieldSubject, entry.SubjectID),
		logging.Duration("ttl", time.Duration(entry.TTLSeconds)*time.Second))

	return nil
}

// Remove deletes the entry for the fingerprint and persists the change.
func (s *Store) Remove(fingerprint string) error {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return errors.New("fingerprint cannot be empty")
	}
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[fingerprint]; !exists {
		return fmt.Errorf("fingerprint %q not found in cache", fingerprint)
	}

	delete(s.entries, fingerprint)

	if err := s.save(); err != nil {
		return fmt.Errorf("persist cache: %w", err)
	}

	s.logger.Debug("removed cached result", logging.String(logging.FieldFingerprint, fingerprint))
	return nil
}

// Sweep drops every expired entry and persists the survivors. It returns the
// number of entries removed.
func (s *Store) Sweep() (int, error) {
	if s.path == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for fingerprint, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, fingerprint)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	if err := s.save(); err != nil {
		return removed, fmt.Errorf("persist cache: %w", err)
	}

	s.logger.Debug("swept expired results", logging.Int("removed", removed))
	return removed, nil
}

// Entries returns all entries sorted by StoredAt descending (newest first).
// Expired entries that the sweep has not reached yet are included so
// operators can see what is pending removal.
func (s *Store) Entries() []Entry {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StoredAt.After(entries[j].StoredAt)
	})

	return entries
}

// Clear removes all entries and persists the empty cache.
func (s *Store) Clear() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]Entry)

	if err := s.save(); err != nil {
		return fmt.Errorf("persist cache: %w", err)
	}

	s.logger.Debug("cleared result cache")
	return nil
}

// Len returns the number of entries currently held, expired or not.
func (s *Store) Len() int {
	if s.path == "" {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// load reads the cache from disk into memory.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil // fresh start
		}
		return fmt.Errorf("read cache file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse cache file: %w", err)
	}

	s.entries = make(map[string]Entry, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry.Fingerprint) != "" {
			s.entries[entry.Fingerprint] = entry
		}
	}

	s.logger.Debug("loaded result cache",
		logging.Int("entry_count", len(s.entries)),
		logging.String("path", s.path))

	return nil
}

// save writes the cache to disk atomically.
func (s *Store) save() error {
	entries := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}

	// Sort for deterministic output
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StoredAt.After(entries[j].StoredAt)
	})

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath) // cleanup on failure
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
