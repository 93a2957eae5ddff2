// Package main is the entry point for the streamrt causal-recovery task
// runtime.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/streamrt/cmd"
	_ "firestige.xyz/streamrt/pkg/operator" // registers the built-in operators
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
