package main

import (
	"os"

	"github.com/paw-chain/credwallet/cmd/credwallet/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
