// Package buildlog captures per-job output under the data directory and
// renders the final build report.
//
// Each build owns a directory builds/<build-id>/ holding one log file
// per job (job-<number>.log) plus report.yml once the build finishes.
// Log writers are safe for concurrent use: the container log follower
// and the marker parser both write to the same file.
package buildlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/lorry-ci/lorry/internal/model"
)

// Sink manages the log directory for one build.
type Sink struct {
	dir string
}

// BuildDir returns the per-build log directory under dataDir without
// creating it.
func BuildDir(dataDir, buildID string) string {
	return filepath.Join(dataDir, "builds", buildID)
}

// NewSink creates builds/<build-id>/ under dataDir and returns a Sink
// rooted there.
func NewSink(dataDir string, buildID string) (*Sink, error) {
	dir := BuildDir(dataDir, buildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return &Sink{dir: dir}, nil
}

// Dir returns the build's log directory.
func (s *Sink) Dir() string {
	return s.dir
}

// JobWriter opens the log file for a job and returns a concurrency-safe
// writer plus the file's path. The caller owns the writer and must
// close it when the job finishes.
func (s *Sink) JobWriter(job *model.Job) (*Writer, string, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("job-%s.log", job.Number))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open job log %s: %w", path, err)
	}
	return &Writer{f: f}, path, nil
}

// Writer serializes writes to a job log file.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

// Write appends p to the log file.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Write(p)
}

// Close flushes the file to disk and closes it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// NewPrefixWriter returns a writer that prepends prefix to every line
// before forwarding to out. Used when several jobs stream to one
// terminal so their output stays attributable.
func NewPrefixWriter(out io.Writer, prefix string) io.Writer {
	return &prefixWriter{out: out, prefix: []byte(prefix)}
}

type prefixWriter struct {
	mu      sync.Mutex
	out     io.Writer
	prefix  []byte
	midLine bool
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf []byte
	rest := p
	for len(rest) > 0 {
		if !w.midLine {
			buf = append(buf, w.prefix...)
			w.midLine = true
		}
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			buf = append(buf, rest...)
			break
		}
		buf = append(buf, rest[:idx+1]...)
		w.midLine = false
		rest = rest[idx+1:]
	}

	if _, err := w.out.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
