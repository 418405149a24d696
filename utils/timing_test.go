package utils

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationUS(t *testing.T) {
	d := 1234*time.Microsecond + 567*time.Nanosecond
	got := DurationUS(d)
	if math.Abs(got-1234.567) > 0.001 {
		t.Fatalf("want 1234.567µs, got %.3f", got)
	}
}

func TestPrintTimingStats(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevVerbose := Output, Verbose
	defer func() { Output, Verbose = prevOut, prevVerbose }()
	Output = &buf

	stats := &TimingStats{TotalTime: 100 * time.Millisecond, ForwardTime: 25 * time.Millisecond}
	Verbose = false
	PrintTimingStats(stats, 2)
	assert.Zero(t, buf.Len())

	Verbose = true
	PrintTimingStats(stats, 2)
	assert.Contains(t, buf.String(), "Trunk forward: 25ms (25.0%)")
	assert.Contains(t, buf.String(), "Samples: 2")

	// zero totals must not divide by zero
	buf.Reset()
	PrintTimingStats(&TimingStats{}, 0)
	assert.Contains(t, buf.String(), "Total time: 0s")
}
