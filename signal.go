package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// pauseOnSignal returns a context that cancels on the first SIGINT or
// SIGTERM. Cancellation lets every worker finish its in-flight chunk and
// persist a paused record, so the next `updrive resume` continues from the
// confirmed offset. A second signal skips the graceful path entirely.
func pauseOnSignal(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		received := 0

		for {
			select {
			case sig := <-sigCh:
				received++

				if received == 1 {
					logger.Info("pausing uploads",
						slog.String("signal", sig.String()),
					)
					fmt.Fprintln(os.Stderr, "Pausing uploads... press Ctrl-C again to exit without waiting.")
					cancel()

					continue
				}

				logger.Warn("exiting before pause completed",
					slog.String("signal", sig.String()),
				)
				os.Exit(1)
			case <-parent.Done():
				return
			}
		}
	}()

	return ctx
}
