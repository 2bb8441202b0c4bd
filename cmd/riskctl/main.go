// riskctl checks site and rule files offline and queries a running siterisk
// server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
