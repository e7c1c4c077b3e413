// Package logging builds the slog loggers used by the CLI and the
// per-directory log files kept inside each private metadata directory.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a text or JSON logger writing to w.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// FileName is the log file name for a run started at t, with an optional
// operation suffix.
func FileName(t time.Time, op string) string {
	name := t.UTC().Format("20060102_150405")
	if op != "" {
		name += "_" + op
	}
	return name + ".log"
}

// DirLogs hands out one logger per directory, each appending to a log file
// in that directory's metadata dir. At most maxOpen files are open at once;
// the least recently used handle is closed and reopened on demand.
type DirLogs struct {
	name   string
	level  slog.Level
	format string

	mu      sync.Mutex
	handles *lru.Cache[string, *os.File]
}

// NewDirLogs creates the per-directory sink. name is the log file name used in
// every metadata directory.
func NewDirLogs(name string, level slog.Level, format string, maxOpen int) (*DirLogs, error) {
	if maxOpen < 1 {
		maxOpen = 1
	}
	handles, err := lru.NewWithEvict[string, *os.File](maxOpen, func(_ string, f *os.File) {
		f.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create log handle cache: %w", err)
	}
	return &DirLogs{
		name:    name,
		level:   level,
		format:  format,
		handles: handles,
	}, nil
}

// For returns the logger of one directory.
func (d *DirLogs) For(dir, metaDir string) *slog.Logger {
	w := &dirWriter{logs: d, path: filepath.Join(metaDir, d.name)}
	return New(w, d.level, d.format).With("dir", dir)
}

// Open is the number of log files currently held open.
func (d *DirLogs) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles.Len()
}

// Close closes every open log file.
func (d *DirLogs) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handles.Purge()
	return nil
}

func (d *DirLogs) write(path string, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.handles.Get(path)
	if !ok {
		var err error
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return 0, err
		}
		d.handles.Add(path, f)
	}
	return f.Write(p)
}

type dirWriter struct {
	logs *DirLogs
	path string
}

func (w *dirWriter) Write(p []byte) (int, error) {
	return w.logs.write(w.path, p)
}
