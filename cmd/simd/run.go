package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"simkit/internal/app"
)

func newRunCmd() *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the update loop and host services",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath(cmd), demo)
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", true, "populate the world with the demo scene")
	return cmd
}

func run(parent context.Context, cfgPath string, demo bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if demo {
		if _, err := a.StartDemo(); err != nil {
			return err
		}
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
		if errors.Is(parent.Err(), context.Canceled) {
			reason = app.StopAppStop
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
