// Command unlockctl is the operator CLI for unlockd: it reconciles stuck
// payment orders, inspects wallets and audit history, seeds items, applies
// schema migrations and mints development tokens.
package main

import (
	"fmt"
	"os"
)

var Version = "dev"

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
