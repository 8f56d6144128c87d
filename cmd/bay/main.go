package main

import (
	"os"

	"github.com/shipyard-project/bay/cmd/bay/commands"
)

func main() {
	if err := commands.Root().Execute(); err != nil {
		os.Exit(1)
	}
}
