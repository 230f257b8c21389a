// Package main provides the post-processing replay CLI.
//
// Usage:
//
//	postprocess decode --config pipeline.yaml [--format text|json|msgpack] [--workers n]
//	postprocess labels <model>
//
// The decode command reads a pipeline file listing raw dumps of a model's
// output tensors, decodes them and writes the serialized result to stdout.
package main

import (
	"fmt"
	"os"

	"github.com/nvr-ai/go-postprocess/cmd/postprocess/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
