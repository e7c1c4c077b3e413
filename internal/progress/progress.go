package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Bar renders hashing progress on a single terminal line.
type Bar struct {
	total      int64
	current    int64
	width      int
	writer     io.Writer
	mu         sync.Mutex
	dir        string
	enabled    bool
	lastUpdate time.Time
}

// New returns a bar for total files. It stays silent when w is not a
// terminal or there is nothing to do.
func New(total int64, w io.Writer) *Bar {
	return &Bar{
		total:   total,
		width:   40,
		writer:  w,
		enabled: total > 0 && isTerminal(w),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// SetDirectory records the directory currently being hashed.
func (b *Bar) SetDirectory(dir string) {
	b.mu.Lock()
	b.dir = dir
	b.mu.Unlock()
}

// Increment counts one hashed file.
func (b *Bar) Increment() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current++
	if !b.enabled {
		return
	}

	// Update at most every 100ms to reduce flickering
	now := time.Now()
	if now.Sub(b.lastUpdate) > 100*time.Millisecond || b.current == b.total {
		b.lastUpdate = now
		b.render()
	}
}

// Current is the number of files counted so far.
func (b *Bar) Current() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// render must be called with mu already locked
func (b *Bar) render() {
	current := b.current
	if current > b.total {
		current = b.total
	}
	filledWidth := int(float64(b.width) * float64(current) / float64(b.total))
	bar := strings.Repeat("█", filledWidth) + strings.Repeat("░", b.width-filledWidth)

	var dirDisplay string
	if b.dir != "" {
		dirDisplay = " | " + filepath.Base(b.dir)
	}

	fmt.Fprintf(b.writer, "\r\033[K[%s] %3d%% (%d/%d)%s",
		bar, int(float64(current)/float64(b.total)*100), current, b.total, dirDisplay)
}

func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled {
		return
	}
	b.current = b.total
	b.render()
	fmt.Fprintf(b.writer, "\n")
}
