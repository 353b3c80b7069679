package main

import (
	"os"

	"github.com/hkuds/cellbox/cmd/cellbox/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
