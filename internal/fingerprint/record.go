package fingerprint

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is the persisted fingerprint of one file.
type Record struct {
	Name    string
	Hash    string
	ModTime float64 // seconds since epoch
	Size    uint64
}

// Fingerprint is a Record located on disk.
type Fingerprint struct {
	Record
	Path string
}

var keyReplacer = strings.NewReplacer(",", "_", "\n", "_", "\r", "_")

// Key returns the store key for a file name. Commas would collide with the
// field delimiter of the store file.
func Key(name string) string {
	return keyReplacer.Replace(name)
}

// Seconds converts a modification time to the store's float representation.
// The fraction is truncated to microseconds so the whole second part is
// never rounded up.
func Seconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond()/1000)/1e6
}

// FormatSeconds prints a modification time with six decimals. The fraction
// never carries into the whole second.
func FormatSeconds(seconds float64) string {
	if seconds < 0 {
		return strconv.FormatFloat(seconds, 'f', 6, 64)
	}
	whole := math.Floor(seconds)
	micros := int64(math.Round((seconds - whole) * 1e6))
	if micros > 999999 {
		micros = 999999
	} else if micros < 0 {
		micros = 0
	}
	return fmt.Sprintf("%d.%06d", int64(whole), micros)
}

// NeedsRefingerprint reports whether a file must be hashed again. Times are
// compared at whole second resolution so sub-second changes never trigger a
// re-hash.
func NeedsRefingerprint(rec Record, ok bool, size int64, modTime time.Time) bool {
	if !ok {
		return true
	}
	if size < 0 || rec.Size != uint64(size) {
		return true
	}
	return int64(math.Floor(rec.ModTime)) < modTime.Unix()
}
