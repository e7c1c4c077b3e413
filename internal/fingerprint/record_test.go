package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNeedsRefingerprint(t *testing.T) {
	base := time.Unix(1700000000, 0)
	rec := Record{Name: "a", Hash: h1, ModTime: 1700000000.2, Size: 10}

	tests := []struct {
		name    string
		ok      bool
		size    int64
		modTime time.Time
		want    bool
	}{
		{"no record", false, 10, base, true},
		{"unchanged", true, 10, base.Add(200 * time.Millisecond), false},
		{"sub-second change only", true, 10, base.Add(900 * time.Millisecond), false},
		{"older file", true, 10, base.Add(-time.Second), false},
		{"size changed", true, 11, base, true},
		{"next second", true, 10, base.Add(time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsRefingerprint(rec, tt.ok, tt.size, tt.modTime))
		})
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "a_b_c.txt", Key("a,b,c.txt"))
	assert.Equal(t, "plain.txt", Key("plain.txt"))
}

func TestSeconds(t *testing.T) {
	ts := time.Unix(1700000000, 500000000)
	assert.InDelta(t, 1700000000.5, Seconds(ts), 1e-6)
}

func TestSeconds_NeverRoundsIntoNextSecond(t *testing.T) {
	ts := time.Unix(1700000000, 999999700)
	secs := Seconds(ts)

	assert.Equal(t, "1700000000.999999", FormatSeconds(secs))
	assert.Equal(t, "1700000000.999999", FormatSeconds(1700000000.9999997))

	rec := Record{Name: "a.txt", Hash: h1, ModTime: secs, Size: 10}
	assert.False(t, NeedsRefingerprint(rec, true, 10, ts))
	assert.True(t, NeedsRefingerprint(rec, true, 10, time.Unix(1700000001, 200000000)),
		"a rewrite in the next second must be detected")
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "1700000000.200000", FormatSeconds(1700000000.2))
	assert.Equal(t, "1700000000.000000", FormatSeconds(1700000000))
	assert.Equal(t, "1700000000.123456", FormatSeconds(1700000000.123456))
}
