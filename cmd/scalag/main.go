package main

import (
	"os"

	"github.com/pbatko/scalag/cmd/scalag/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
