// Command flowpipe drives the flowpipe writer stack with a synthetic
// response and reports how the flushes behaved.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
