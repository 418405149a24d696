// resnet20-server: holds the ResNet20 classifier head and evaluates it on
// encrypted feature vectors received on stdin, answering on stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"

	"resnet20/nn"
	"resnet20/split"
)

var (
	seed    = flag.Int64("seed", 42, "Seed the head weights were drawn with")
	verbose = flag.Bool("verbose", false, "Verbose output")
)

func main() {
	flag.Parse()

	// the head is the classifier of the seeded network, as built by the client
	model := nn.NewResNet20(rand.New(rand.NewSource(*seed)))
	head := model.Classifier
	log("ResNet20 head server starting (%s, seed=%d)", head.Tag(), *seed)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	server := split.NewServer(head, os.Stdin, os.Stdout)
	server.Logf = log
	if err := server.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
	log("Server done")
}

func log(format string, args ...interface{}) {
	if *verbose {
		fmt.Fprintf(os.Stderr, "[SERVER] "+format+"\n", args...)
	}
}
