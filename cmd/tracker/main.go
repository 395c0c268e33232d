package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/chain-estate/ches-tracker/app/tracker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := tracker.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	// Immediate pass before cron
	app.RunOnce(ctx)

	// Start cron scheduler
	app.StartCron()

	// Setup server
	if err := app.SetupServer(); err != nil {
		panic(err)
	}

	// Start server
	app.Start(ctx)
}
