// Command macsched runs the NR MAC slot scheduler, either behind the PHY
// gRPC API (serve) or against a synthetic PHY (simulate).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
