// Package main is the entry point for the vl1 node.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/vl1/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
