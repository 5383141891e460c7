package session

import (
	"testing"
	"time"
)

func TestDiskStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	rec := Record{Repo: "acme/widgets", RepoRoot: "/home/dev/widgets"}
	s.Put("account__session_abc", rec)

	// Force a cold read: a fresh store over the same directory has no
	// memory cache, so Get must fall back to the file on disk.
	cold, err := NewDiskStore(dir, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewDiskStore (cold): %v", err)
	}
	got, ok := cold.Get("account__session_abc")
	if !ok {
		t.Fatal("expected record to round-trip through disk")
	}
	if got.Repo != rec.Repo || got.RepoRoot != rec.RepoRoot {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestDiskStoreSanitizesSessionID(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	s.Put("../../etc/passwd", Record{Repo: "x", RepoRoot: "/x"})

	path := s.path("../../etc/passwd")
	if got := sanitize("../../etc/passwd"); got == "../../etc/passwd" {
		t.Fatalf("sanitize did not change a traversal id: %q", got)
	}
	if _, ok := s.Get("../../etc/passwd"); !ok {
		t.Errorf("expected sanitized record to still round-trip via the same id, path=%s", path)
	}
}

func TestDiskStoreExpiry(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, 10*time.Millisecond, time.Hour)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	s.Put("sess-1", Record{Repo: "acme/widgets", RepoRoot: "/widgets"})

	time.Sleep(20 * time.Millisecond)

	// Cold store: fresh memory cache, so Get falls back to disk, where the
	// file-mtime TTL (not the memory TTL) governs expiry.
	cold, err := NewDiskStore(dir, 10*time.Millisecond, time.Hour)
	if err != nil {
		t.Fatalf("NewDiskStore (cold): %v", err)
	}
	if _, ok := cold.Get("sess-1"); ok {
		t.Error("expected expired disk record to be treated as absent")
	}
}

func TestDiskStoreMemoryTTLIndependentOfFileTTL(t *testing.T) {
	dir := t.TempDir()
	// File TTL is generous; memory TTL is short. A read after the memory TTL
	// elapses but before the file TTL does must still hit, served from disk.
	s, err := NewDiskStore(dir, time.Hour, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	s.Put("sess-1", Record{Repo: "acme/widgets", RepoRoot: "/widgets"})

	time.Sleep(20 * time.Millisecond)

	if _, ok := s.mem.Get("sess-1"); ok {
		t.Fatal("expected the memory cache entry to have expired on its own TTL")
	}
	got, ok := s.Get("sess-1")
	if !ok {
		t.Fatal("expected disk fallback to still serve the record under the longer file TTL")
	}
	if got.Repo != "acme/widgets" {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestDiskStoreDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	s.Put("sess-1", Record{Repo: "acme/widgets", RepoRoot: "/widgets"})
	s.Delete("sess-1")

	if _, ok := s.Get("sess-1"); ok {
		t.Error("expected record to be gone after Delete")
	}
}
