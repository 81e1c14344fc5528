package main

import (
	"os"

	"agentdeck/cmd/deckd/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
