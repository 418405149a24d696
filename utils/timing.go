package utils

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Verbose controls whether timing statistics are printed.
// Set to false to suppress output.
var Verbose = true

// Output is the writer where timing statistics are printed.
// Defaults to os.Stdout.
var Output io.Writer = os.Stdout

// TimingStats holds timing information for one inference run.
type TimingStats struct {
	TotalTime      time.Duration
	ModelInitTime  time.Duration
	HEInitTime     time.Duration
	ForwardTime    time.Duration // trunk, plaintext
	HeadTime       time.Duration // classifier, plaintext or encrypted
	EncryptionTime time.Duration
	DecryptionTime time.Duration
	TransportTime  time.Duration // split round trips, includes remote head time
}

func pct(part, whole time.Duration) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

// PrintTimingStats prints the breakdown of a run over the given number of
// samples. Respects the Verbose flag - does nothing if Verbose is false.
func PrintTimingStats(stats *TimingStats, samples int) {
	if !Verbose {
		return
	}
	fmt.Fprintln(Output, "\n=== TIMING STATISTICS ===")
	fmt.Fprintf(Output, "Total time: %v\n", stats.TotalTime)
	fmt.Fprintf(Output, "Samples: %d\n", samples)
	fmt.Fprintln(Output, "\nBreakdown by operation:")
	fmt.Fprintf(Output, "  Model initialization: %v (%.1f%%)\n", stats.ModelInitTime, pct(stats.ModelInitTime, stats.TotalTime))
	fmt.Fprintf(Output, "  HE initialization: %v (%.1f%%)\n", stats.HEInitTime, pct(stats.HEInitTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Trunk forward: %v (%.1f%%)\n", stats.ForwardTime, pct(stats.ForwardTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Classifier head: %v (%.1f%%)\n", stats.HeadTime, pct(stats.HeadTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Encryption: %v (%.1f%%)\n", stats.EncryptionTime, pct(stats.EncryptionTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Decryption: %v (%.1f%%)\n", stats.DecryptionTime, pct(stats.DecryptionTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Transport: %v (%.1f%%)\n", stats.TransportTime, pct(stats.TransportTime, stats.TotalTime))
	if samples > 0 {
		fmt.Fprintln(Output, "\nPer sample:")
		fmt.Fprintf(Output, "  Average forward time: %v\n", (stats.ForwardTime+stats.HeadTime)/time.Duration(samples))
		fmt.Fprintf(Output, "  Average encryption time: %v\n", stats.EncryptionTime/time.Duration(samples))
		fmt.Fprintf(Output, "  Average decryption time: %v\n", stats.DecryptionTime/time.Duration(samples))
	}
}

// DurationUS converts any time.Duration to micro-seconds as float64
func DurationUS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000.0
}
