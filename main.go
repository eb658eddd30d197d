package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"whonext/internal/cli"
	"whonext/internal/output"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(&cli.App{}).ExecuteContext(ctx); err != nil {
		output.NewFormatter(os.Stderr).Error(err.Error())
		stop()
		os.Exit(1)
	}
}
