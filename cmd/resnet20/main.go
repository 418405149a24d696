// resnet20: builds the CIFAR-10 ResNet20, runs a synthetic batch through it
// and prints the top predictions. With -encrypted the classifier head runs
// on CKKS ciphertexts behind the split protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"resnet20/core/ckkswrapper"
	"resnet20/nn"
	"resnet20/split"
	"resnet20/tensor"
	"resnet20/utils"
)

var (
	configFile = flag.String("config", "", "YAML config file")
	seed       = flag.Int64("seed", 42, "Random seed for weights and input")
	batchSize  = flag.Int("batch", 2, "Synthetic batch size")
	input      = flag.String("input", utils.InputRandom, "Synthetic input: zeros or random")
	trainMode  = flag.Bool("train", false, "Run batch norm with batch statistics")
	encrypted  = flag.Bool("encrypted", false, "Evaluate the classifier head under CKKS")
	logN       = flag.Int("logN", ckkswrapper.DefaultLogN, "Ring dimension log2")
	topK       = flag.Int("topk", 3, "Top predictions to show")
	verbose    = flag.Bool("verbose", true, "Verbose output")
)

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"seed":      "seed",
	"batch":     "batch_size",
	"input":     "input",
	"train":     "train_mode",
	"encrypted": "encrypted",
	"logN":      "log_n",
	"topk":      "top_k",
	"verbose":   "verbose",
}

func main() {
	flag.Parse()
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

// loadConfig layers explicitly set flags over the config file, or over the
// flag defaults when no file is given.
func loadConfig() (*utils.Config, error) {
	cfg := utils.DefaultConfig()
	overrides := map[string]string{}
	if *configFile != "" {
		var err error
		if cfg, err = utils.LoadConfig(*configFile); err != nil {
			return nil, err
		}
		flag.Visit(func(f *flag.Flag) {
			if key, ok := flagKeys[f.Name]; ok {
				overrides[key] = f.Value.String()
			}
		})
	} else {
		flag.VisitAll(func(f *flag.Flag) {
			if key, ok := flagKeys[f.Name]; ok {
				overrides[key] = f.Value.String()
			}
		})
	}
	if err := utils.ApplyOverrides(cfg, overrides); err != nil {
		return nil, err
	}
	return cfg, utils.ValidateConfig(cfg)
}

func run(cfg *utils.Config) error {
	utils.Verbose = cfg.Verbose
	stats := &utils.TimingStats{}
	start := time.Now()

	rng := rand.New(rand.NewSource(cfg.Seed))
	model := nn.NewResNet20(rng)
	model.SetTraining(cfg.TrainMode)
	stats.ModelInitTime = time.Since(start)

	if cfg.Verbose {
		fmt.Fprint(utils.Output, model.String())
		fmt.Fprintf(utils.Output, "mode: %s, encrypted: %v, batch: %d, input: %s\n",
			modeName(cfg.TrainMode), cfg.Encrypted, cfg.BatchSize, cfg.Input)
	}

	x := syntheticBatch(cfg, rng)
	var logits *tensor.Tensor
	var err error
	if cfg.Encrypted {
		logits, err = classifyEncrypted(model, x, cfg.LogN, stats)
	} else {
		logits, err = classifyPlain(model, x, stats)
	}
	if err != nil {
		return err
	}
	stats.TotalTime = time.Since(start)

	if err := showResults(logits, cfg.TopK); err != nil {
		return err
	}
	utils.PrintTimingStats(stats, cfg.BatchSize)
	return nil
}

func modeName(training bool) string {
	if training {
		return "train"
	}
	return "eval"
}

func syntheticBatch(cfg *utils.Config, rng *rand.Rand) *tensor.Tensor {
	x := tensor.New(cfg.BatchSize, nn.InputChannels, nn.InputSize, nn.InputSize)
	if cfg.Input == utils.InputRandom {
		for i := range x.Data {
			x.Data[i] = rng.NormFloat64()
		}
	}
	return x
}

func classifyPlain(model *nn.ResNet20, x *tensor.Tensor, stats *utils.TimingStats) (*tensor.Tensor, error) {
	t0 := time.Now()
	feats, err := model.Features(x)
	if err != nil {
		return nil, err
	}
	t1 := time.Now()
	logits, err := model.Head(feats)
	if err != nil {
		return nil, err
	}
	stats.ForwardTime += t1.Sub(t0)
	stats.HeadTime += time.Since(t1)
	return logits, nil
}

// classifyEncrypted serves the model's head on one end of an in-memory pipe
// and classifies x through a split client on the other.
func classifyEncrypted(model *nn.ResNet20, x *tensor.Tensor, logN int, stats *utils.TimingStats) (*tensor.Tensor, error) {
	t0 := time.Now()
	heCtx := ckkswrapper.NewHeContextWithLogN(logN)
	stats.HEInitTime = time.Since(t0)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	server := split.NewServer(model.Classifier, serverConn, serverConn)
	if utils.Verbose {
		server.Logf = func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, "[SERVER] "+format+"\n", args...)
		}
	}
	errc := make(chan error, 1)
	go func() {
		defer serverConn.Close()
		errc <- server.Serve(context.Background())
	}()

	client := split.NewClient(model, heCtx, clientConn, clientConn)
	client.Stats = stats
	logits, err := client.Classify(x)
	if err != nil {
		return nil, err
	}
	if err := client.Close(); err != nil {
		return nil, err
	}
	if err := <-errc; err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return logits, nil
}

func showResults(logits *tensor.Tensor, k int) error {
	top, err := nn.TopK(logits, k)
	if err != nil {
		return err
	}
	for b, preds := range top {
		fmt.Printf("\nSample %d, top %d predictions:\n", b, len(preds))
		for i, p := range preds {
			fmt.Printf("  %d. Class %d: %.4f\n", i+1, p.Class, p.Prob)
		}
	}
	return nil
}
