// ABOUTME: Entry point for coven-control, the remote command gateway
// ABOUTME: Wires the cobra command tree to a signal-aware context

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                      _             _
  ___ _____   _____ _ __         ___ ___  _ __ | |_ _ __ ___ | |
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \| '_ \| __| '__/ _ \| |
| (_| (_) \ V /  __/ | | |_____| (_| (_) | | | | |_| | | (_) | |
 \___\___/ \_/ \___|_| |_|      \___\___/|_| |_|\__|_|  \___/|_|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
