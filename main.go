// Package main is the entry point for camrelay.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/camrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
