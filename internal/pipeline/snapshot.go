package pipeline

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// SnapshotWriter persists a copy of a request (and a response, when the
// caller passes one) for offline debugging. The driver captures the request
// at the end of the pre-call stage and passes no response. It is the supplemented capture-all
// feature: nothing in the core depends on its output, so a failure here is
// always non-fatal.
type SnapshotWriter interface {
	Capture(req *Request, response *ModelResponse)
}

// NoopSnapshotWriter discards every capture; used when
// LITELLM_CAPTURE_REQUESTS is off.
type NoopSnapshotWriter struct{}

// Capture does nothing.
func (NoopSnapshotWriter) Capture(*Request, *ModelResponse) {}

// DiskSnapshotWriter writes one JSON file per captured request under Dir.
type DiskSnapshotWriter struct {
	Dir     string
	counter atomic.Uint64
}

// NewDiskSnapshotWriter creates a writer rooted at dir, creating it if
// necessary.
func NewDiskSnapshotWriter(dir string) (*DiskSnapshotWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskSnapshotWriter{Dir: dir}, nil
}

type snapshotRecord struct {
	CapturedAt string          `json:"captured_at"`
	RequestID  string          `json:"request_id"`
	Request    *Request        `json:"request"`
	Response   *ModelResponse  `json:"response,omitempty"`
}

// Capture writes req (and response, if present) to a new file under Dir.
// Failures are logged and swallowed — a snapshotting failure never affects
// the request it was capturing.
func (w *DiskSnapshotWriter) Capture(req *Request, response *ModelResponse) {
	n := w.counter.Add(1)
	name := filepath.Join(w.Dir, time.Now().UTC().Format("20060102T150405")+"-"+itoa(int64(n))+".json")

	record := snapshotRecord{
		CapturedAt: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:  req.MetadataValue("request_id"),
		Request:    req,
		Response:   response,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		slog.Warn("snapshot: failed to marshal request", "error", err)
		return
	}
	if err := os.WriteFile(name, data, 0o644); err != nil { // #nosec G306 -- local debug capture, not secret material
		slog.Warn("snapshot: failed to write file", "path", name, "error", err)
	}
}
