package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DiskStore is the default session backend: a memory cache in front of
// one-JSON-file-per-session on disk under dir, so that a process restart
// does not forget a repo scoping decision mid-session. File mtime backs the
// on-disk TTL check; the front-line memory cache carries its own,
// independently configured TTL (spec.md §3.1/§6.3 model these as the two
// distinct knobs SESSION_CACHE_TTL and SESSION_FILE_TTL).
type DiskStore struct {
	dir     string
	fileTTL time.Duration
	mem     *MemoryStore
}

// NewDiskStore creates a disk-backed store rooted at dir, creating it if
// necessary. Entries older than fileTTL (by file mtime) are treated as
// absent on disk; memTTL governs expiry of the in-front memory cache
// independently of the on-disk TTL.
func NewDiskStore(dir string, fileTTL, memTTL time.Duration) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskStore{
		dir:     dir,
		fileTTL: fileTTL,
		mem:     NewMemoryStore(memTTL),
	}, nil
}

// sanitize maps a session ID to a safe file name: only [A-Za-z0-9_.-] survive,
// anything else becomes "_". An empty result falls back to "_" so Get/Put
// never target the session directory itself.
func sanitize(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func (s *DiskStore) path(sessionID string) string {
	return filepath.Join(s.dir, sanitize(sessionID)+".json")
}

// Get checks the memory cache first, then falls back to disk.
func (s *DiskStore) Get(sessionID string) (Record, bool) {
	if rec, ok := s.mem.Get(sessionID); ok {
		return rec, true
	}

	path := s.path(sessionID)
	info, err := os.Stat(path)
	if err != nil {
		return Record{}, false
	}
	if s.fileTTL > 0 && time.Since(info.ModTime()) > s.fileTTL {
		_ = os.Remove(path)
		return Record{}, false
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path built from sanitize()
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("session: corrupt record on disk", "session_id", sessionID, "error", err)
		return Record{}, false
	}

	s.mem.Put(sessionID, rec)
	return rec, true
}

// Put writes rec to both the memory cache and disk.
func (s *DiskStore) Put(sessionID string, rec Record) {
	if rec.LastActive.IsZero() {
		rec.LastActive = time.Now()
	}
	s.mem.Put(sessionID, rec)

	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("session: failed to marshal record", "session_id", sessionID, "error", err)
		return
	}
	if err := os.WriteFile(s.path(sessionID), data, 0o644); err != nil { // #nosec G306 -- local session cache, not secret material
		slog.Error("session: failed to write record", "session_id", sessionID, "error", err)
	}
}

// Delete removes sessionID from both the memory cache and disk.
func (s *DiskStore) Delete(sessionID string) {
	s.mem.Delete(sessionID)
	_ = os.Remove(s.path(sessionID))
}

// Close is a no-op for DiskStore; it satisfies the Store interface.
func (s *DiskStore) Close() error { return nil }
