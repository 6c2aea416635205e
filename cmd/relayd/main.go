// relayd is a multi-protocol real-time messaging server: topic pub/sub
// over a binary TCP protocol, WebSocket JSON sessions, and GraphQL
// subscriptions.
package main

import (
	"fmt"
	"os"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
