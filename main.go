// Package main is the entry point for the pktmask capture masking tool.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/pktmask/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
