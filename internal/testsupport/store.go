package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"vidatlas/internal/cache"
	"vidatlas/internal/config"
	"vidatlas/internal/job"
	"vidatlas/internal/registry"
)

// MustOpenStore opens a registry.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *registry.Store {
	t.Helper()

	store, err := registry.Open(cfg)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenCache opens a cache.Store for tests.
func MustOpenCache(t testing.TB, cfg *config.Config) *cache.Store {
	t.Helper()
	return cache.Open(cfg.Cache.Path, cfg.CacheTTL(), nil)
}

// SeedJob inserts a queued job for tests and returns the stored copy.
func SeedJob(t testing.TB, store *registry.Store, subjectID, fingerprint string) *job.Job {
	t.Helper()

	j := &job.Job{
		ID:              uuid.NewString(),
		Fingerprint:     fingerprint,
		SubjectID:       subjectID,
		StrategyVersion: "v1",
		Status:          job.StatusQueued,
		Cacheable:       true,
	}
	stored, created, err := store.CreateIfNoActive(context.Background(), j)
	if err != nil {
		t.Fatalf("store.CreateIfNoActive: %v", err)
	}
	if !created {
		t.Fatalf("fingerprint %s already has an active job", fingerprint)
	}
	return stored
}

// WaitFor polls the condition until it succeeds or the deadline passes.
func WaitFor(t testing.TB, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
