// resnet20-client: runs the ResNet20 trunk on synthetic images and
// classifies them through a head server speaking the split protocol on
// stdin/stdout.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"resnet20/core/ckkswrapper"
	"resnet20/nn"
	"resnet20/split"
	"resnet20/tensor"
	"resnet20/utils"
)

var (
	logN    = flag.Int("logN", ckkswrapper.DefaultLogN, "Ring dimension log2")
	samples = flag.Int("samples", 4, "Synthetic samples")
	seed    = flag.Int64("seed", 42, "Random seed, shared with the server")
	verbose = flag.Bool("verbose", false, "Verbose output")
)

func main() {
	flag.Parse()
	utils.Verbose = *verbose
	utils.Output = os.Stderr

	log("ResNet20 client starting (logN=%d, samples=%d)", *logN, *samples)
	rng := rand.New(rand.NewSource(*seed))
	model := nn.NewResNet20(rng)
	model.Eval()

	heCtx := ckkswrapper.NewHeContextWithLogN(*logN)
	client := split.NewClient(model, heCtx, os.Stdin, os.Stdout)
	client.Stats = &utils.TimingStats{}

	x := tensor.New(*samples, nn.InputChannels, nn.InputSize, nn.InputSize)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}

	start := time.Now()
	logits, err := client.Classify(x)
	if err != nil {
		fmt.Fprintf(os.Stderr, "classify: %v\n", err)
		os.Exit(1)
	}
	if err := client.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
	}
	client.Stats.TotalTime = time.Since(start)

	top, err := nn.TopK(logits, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "top-k: %v\n", err)
		os.Exit(1)
	}
	for b, p := range top {
		fmt.Fprintf(os.Stderr, "sample %d: class %d (%.4f)\n", b, p[0].Class, p[0].Prob)
	}
	utils.PrintTimingStats(client.Stats, *samples)
}

func log(format string, args ...interface{}) {
	if *verbose {
		fmt.Fprintf(os.Stderr, "[CLIENT] "+format+"\n", args...)
	}
}
