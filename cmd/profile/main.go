// resnet20-profile: per-layer plaintext timings of ResNet20 and the cost of
// the encrypted classifier head for a list of ring sizes.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"strconv"
	"strings"

	"resnet20/core/ckkswrapper"
	"resnet20/nn"
	"resnet20/nn/bench"
	"resnet20/tensor"
)

// parseCSVInts parses a comma-separated list of integers
func parseCSVInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid int %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func main() {
	var (
		batch    int
		iters    int
		cores    int
		seed     int64
		logNsCSV string
		outPath  string
	)
	flag.IntVar(&batch, "batch", 1, "Batch size for the plaintext layer timings")
	flag.IntVar(&iters, "iters", 3, "Iterations to average over")
	flag.IntVar(&cores, "cores", runtime.NumCPU(), "GOMAXPROCS for the run")
	flag.Int64Var(&seed, "seed", 42, "Random seed")
	flag.StringVar(&logNsCSV, "logNs", "13", "Comma-separated logN values for the encrypted head (empty to skip)")
	flag.StringVar(&outPath, "out", "", "Optional CSV path for the per-layer timings")
	flag.Parse()

	runtime.GOMAXPROCS(cores)
	logNs, err := parseCSVInts(logNsCSV)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logNs: %v\n", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(seed))
	model := nn.NewResNet20(rng)
	model.Eval()
	x := tensor.New(batch, nn.InputChannels, nn.InputSize, nn.InputSize)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}

	rows, err := bench.TimeLayers(model, x, iters)
	if err != nil {
		fmt.Fprintf(os.Stderr, "profile: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ResNet20 plaintext layers (batch=%d, iters=%d, cores=%d)\n", batch, iters, cores)
	bench.PrintTable(os.Stdout, rows)

	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", outPath, err)
			os.Exit(1)
		}
		if err := bench.WriteCSV(f, rows); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", outPath, err)
		}
		f.Close()
		fmt.Printf("wrote %s\n", outPath)
	}

	if len(logNs) == 0 {
		return
	}
	feats, err := model.Features(x)
	if err != nil {
		fmt.Fprintf(os.Stderr, "features: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nEncrypted classifier head (%s)\n", model.Classifier.Tag())
	fmt.Printf("%-6s | %-12s | %-12s | %-12s | %-12s | %-10s\n", "logN", "Setup", "Encrypt", "Eval", "Decrypt", "MaxErr")
	for _, logN := range logNs {
		heCtx := ckkswrapper.NewHeContextWithLogN(logN)
		res, err := bench.TimeEncryptedHead(heCtx, model.Classifier, feats, iters)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logN %d: %v\n", logN, err)
			continue
		}
		fmt.Printf("%-6d | %-12s | %-12s | %-12s | %-12s | %-10.2e\n", res.LogN, res.Setup, res.Encrypt, res.Eval, res.Decrypt, res.MaxErr)
	}
}
