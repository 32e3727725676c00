package journal

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
)

// Writer appends every broadcast event to a snappy-compressed JSONL audit
// log. The log is never read on the serving path; it exists so an operator
// can reconstruct what was fanned out and when.
type Writer struct {
	mu     sync.Mutex
	now    func() time.Time
	file   *os.File
	stream *snappy.Writer
	seq    uint64
}

const logName = "events.jsonl.sz"

// NewWriter opens (or creates) the journal under dir in append mode.
func NewWriter(dir string, clock func() time.Time) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("journal directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, logName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{now: clock, file: file, stream: snappy.NewBufferedWriter(file)}, nil
}

// Append writes one event record as a JSON line and flushes it through the
// compressor so a crash loses at most the in-flight record.
func (w *Writer) Append(kind, sender string, payload []byte) error {
	if w == nil {
		return errors.New("journal not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	record := struct {
		Seq        uint64 `json:"seq"`
		CapturedAt string `json:"captured_at"`
		Kind       string `json:"kind"`
		Sender     string `json:"sender,omitempty"`
		PayloadB64 string `json:"payload_b64"`
	}{
		Seq:        w.seq,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Kind:       kind,
		Sender:     sender,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.stream.Write(line); err != nil {
		return err
	}
	if _, err := w.stream.Write([]byte("\n")); err != nil {
		return err
	}
	return w.stream.Flush()
}

// Close flushes and releases the underlying file handle.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if err := w.stream.Close(); err != nil {
		firstErr = err
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
