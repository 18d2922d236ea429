package main

import (
	"os"

	"github.com/zephix/governance/cmd/governance/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
