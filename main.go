// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/minseochh02/keyclick/cmd"
)

func main() {
	// A signal-aware context so an interrupt tears down in-flight attempts
	// (browser contexts, keep-alive tasks) instead of orphaning them.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
