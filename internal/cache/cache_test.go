package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	cachePath := filepath.Join(t.TempDir(), "results.json")
	return Open(cachePath, time.Hour, nil), cachePath
}

func TestCachePutAndGet(t *testing.T) {
	store, _ := testStore(t)

	entry := Entry{
		Fingerprint:     "11ff22aa",
		Key:             "dock tour amsterdam:9f2b",
		SubjectID:       "dock tour amsterdam",
		StrategyVersion: "v1",
		Payload:         json.RawMessage(`{"places":["Amsterdam"]}`),
	}

	if err := store.Put(entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	found, ok := store.Get("11ff22aa")
	if !ok {
		t.Fatal("Get failed to find stored entry")
	}
	if found.Key != entry.Key {
		t.Errorf("Key mismatch: got %q, want %q", found.Key, entry.Key)
	}
	if string(found.Payload) != string(entry.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", found.Payload, entry.Payload)
	}
	if found.StoredAt.IsZero() {
		t.Error("Put should stamp StoredAt")
	}
	if found.TTLSeconds != int64(time.Hour/time.Second) {
		t.Errorf("TTLSeconds = %d, want default %d", found.TTLSeconds, int64(time.Hour/time.Second))
	}
}

func TestCacheGetMiss(t *testing.T) {
	store, _ := testStore(t)
	if _, ok := store.Get("nope"); ok {
		t.Error("Get should return false for an unknown fingerprint")
	}
	if _, ok := store.Get(""); ok {
		t.Error("Get should return false for an empty fingerprint")
	}
}

func TestCacheExpiredEntryIsMissAndPruned(t *testing.T) {
	store, _ := testStore(t)

	entry := Entry{
		Fingerprint: "expired",
		Payload:     json.RawMessage(`{}`),
		StoredAt:    time.Now().Add(-2 * time.Hour),
		TTLSeconds:  int64(time.Hour / time.Second),
	}
	if err := store.Put(entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok := store.Get("expired"); ok {
		t.Fatal("Get should miss on an expired entry")
	}
	if store.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after lazy prune", store.Len())
	}
}

func TestCachePersistsAcrossOpens(t *testing.T) {
	store, cachePath := testStore(t)

	if err := store.Put(Entry{Fingerprint: "abc", SubjectID: "canal walk", Payload: json.RawMessage(`{"ok":true}`)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	reopened := Open(cachePath, time.Hour, nil)
	found, ok := reopened.Get("abc")
	if !ok {
		t.Fatal("reopened store should serve the persisted entry")
	}
	if found.SubjectID != "canal walk" {
		t.Errorf("SubjectID = %q, want %q", found.SubjectID, "canal walk")
	}
}

func TestCacheSweepRemovesOnlyExpired(t *testing.T) {
	store, _ := testStore(t)

	fresh := Entry{Fingerprint: "fresh", Payload: json.RawMessage(`{}`)}
	stale := Entry{
		Fingerprint: "stale",
		Payload:     json.RawMessage(`{}`),
		StoredAt:    time.Now().Add(-90 * time.Minute),
		TTLSeconds:  int64(time.Hour / time.Second),
	}
	if err := store.Put(fresh); err != nil {
		t.Fatalf("Put fresh failed: %v", err)
	}
	if err := store.Put(stale); err != nil {
		t.Fatalf("Put stale failed: %v", err)
	}

	removed, err := store.Sweep()
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if _, ok := store.Get("fresh"); !ok {
		t.Error("fresh entry should survive the sweep")
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}

	removed, err = store.Sweep()
	if err != nil {
		t.Fatalf("second Sweep failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("second Sweep removed %d, want 0", removed)
	}
}

func TestCacheRemove(t *testing.T) {
	store, _ := testStore(t)

	if err := store.Put(Entry{Fingerprint: "gone", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Remove("gone"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := store.Get("gone"); ok {
		t.Error("entry should be gone after Remove")
	}
	if err := store.Remove("gone"); err == nil {
		t.Error("Remove should error for a missing fingerprint")
	}
}

func TestCacheEntriesNewestFirst(t *testing.T) {
	store, _ := testStore(t)

	now := time.Now()
	older := Entry{Fingerprint: "older", Payload: json.RawMessage(`{}`), StoredAt: now.Add(-time.Minute)}
	newer := Entry{Fingerprint: "newer", Payload: json.RawMessage(`{}`), StoredAt: now}
	for _, e := range []Entry{older, newer} {
		if err := store.Put(e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	entries := store.Entries()
	if len(entries) != 2 {
		t.Fatalf("Entries returned %d, want 2", len(entries))
	}
	if entries[0].Fingerprint != "newer" {
		t.Errorf("first entry = %q, want newer", entries[0].Fingerprint)
	}
}

func TestCacheCorruptFileStartsEmpty(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "results.json")
	if err := os.WriteFile(cachePath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	store := Open(cachePath, time.Hour, nil)
	if store.Len() != 0 {
		t.Fatalf("Len = %d, want 0 for corrupt file", store.Len())
	}
	// The store stays usable.
	if err := store.Put(Entry{Fingerprint: "new", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Put after corrupt load failed: %v", err)
	}
}

func TestCacheEmptyPathIsNoop(t *testing.T) {
	store := Open("", time.Hour, nil)

	if err := store.Put(Entry{Fingerprint: "x", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Put on pathless store failed: %v", err)
	}
	if _, ok := store.Get("x"); ok {
		t.Error("pathless store should never serve entries")
	}
	if store.Len() != 0 {
		t.Error("pathless store should report zero entries")
	}
	if removed, err := store.Sweep(); err != nil || removed != 0 {
		t.Errorf("Sweep on pathless store = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestEntryExpiry(t *testing.T) {
	now := time.Now()
	entry := Entry{StoredAt: now, TTLSeconds: 60}

	if entry.Expired(now) {
		t.Error("entry should be live at its StoredAt instant")
	}
	if entry.Expired(now.Add(59 * time.Second)) {
		t.Error("entry should be live just before the TTL elapses")
	}
	if !entry.Expired(now.Add(60 * time.Second)) {
		t.Error("entry should expire exactly at StoredAt+TTL")
	}
}
