package main

import (
	"fmt"
	"os"

	"github.com/ps-research/M-Heath-Annotator/internal/cli"
)

func main() {
	if err := cli.NewWorkerCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "annotator-worker: %v\n", err)
		os.Exit(1)
	}
}
