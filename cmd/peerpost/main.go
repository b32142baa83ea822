// Command peerpost runs a message delivery node and manages its identity,
// peers and queue.
package main

import (
	"os"

	"github.com/opd-ai/peerpost/cmd/peerpost/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
