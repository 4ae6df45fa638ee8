package main

import (
	"os"

	"github.com/example/ekko-capture/cmd/capturectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
