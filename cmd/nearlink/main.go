// Command nearlink runs a relay node over the BLE, Wi-Fi Direct and Wi-Fi
// Aware transports, or simulates a group of them in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/user/nearlink/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := newApp().RunContext(ctx, os.Args)
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nearlink: %v\n", err)
		os.Exit(1)
	}
}
