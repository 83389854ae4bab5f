// Package logging provides the relay's log setup: prefixed loggers that
// write to stdout and, when configured, a size- and day-rotated file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps a single log file before same-day rollover.
const DefaultMaxBytes = int64(100 * 1024 * 1024)

// RotatingWriter writes to files that rotate on UTC day boundaries and when
// a single file would exceed MaxBytes.
//
// For basePath logs/relay.log the output files are named
// relay-2026-08-31.log, relay-2026-08-31-2.log, and so on.
type RotatingWriter struct {
	basePath string
	maxBytes int64

	mu      sync.Mutex
	curDate string // YYYY-MM-DD
	curIdx  int    // 1-based same-day rollover index
	file    *os.File
	size    int64
}

// NewRotatingWriter creates a rotating writer rooted at basePath. A basePath
// of "-" discards all output.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	w := &RotatingWriter{basePath: basePath, maxBytes: maxBytes}
	if err := w.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	if err == nil {
		w.size += int64(n)
	}
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	// UTC day boundaries avoid timezone surprises.
	today := time.Now().UTC().Format("2006-01-02")
	if w.file == nil || w.curDate != today {
		w.curDate = today
		w.curIdx = 1
		return w.openCurrent()
	}
	if w.size+incoming > w.maxBytes {
		w.curIdx++
		return w.openCurrent()
	}
	return nil
}

func (w *RotatingWriter) openCurrent() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	dir, name := filepath.Split(w.basePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", base, w.curDate, ext)
	if w.curIdx > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", base, w.curDate, w.curIdx, ext)
	}
	f, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

// NewLogger returns a logger with the given bracketed prefix writing to out.
func NewLogger(out io.Writer, prefix string) *log.Logger {
	return log.New(out, "["+prefix+"] ", log.LstdFlags|log.Lmicroseconds)
}
