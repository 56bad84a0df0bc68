package main

import (
	"fmt"
	"os"

	"github.com/ps-research/M-Heath-Annotator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "annotatord: %v\n", err)
		os.Exit(1)
	}
}
