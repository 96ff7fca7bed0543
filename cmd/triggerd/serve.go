package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"triggerd/internal/app"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler until SIGINT/SIGTERM",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "upper bound for graceful shutdown")
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return fmt.Errorf("start: %w", err)
	}

	// Either a signal or a fatal component error ends the run.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-a.Done():
			return a.Err()
		case <-gctx.Done():
			return nil
		}
	})
	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Stop(sctx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
