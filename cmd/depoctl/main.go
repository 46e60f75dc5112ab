// depoctl is the operator CLI for deposition benches: it checks and plans
// recipes offline and mints operator tokens for the bench API.
package main

import (
	"fmt"
	"os"
)

// Version information - set at build time via ldflags
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
