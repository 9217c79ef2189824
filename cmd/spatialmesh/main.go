package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"spatialmesh/internal/app"
	"spatialmesh/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "spatialmesh:", err)
		os.Exit(1)
	}
}
