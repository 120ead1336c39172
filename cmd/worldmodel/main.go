package main

import (
	"os"

	"github.com/banshee-data/worldmodel/cmd/worldmodel/commands"
)

func main() {
	// cobra has already printed the error.
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
