package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume interrupted uploads",
		Long:  "Pick up every pending or paused upload where it left off.",
		RunE:  runResume,
	}
}

func runResume(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := pauseOnSignal(context.Background(), logger)

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Stale terminal records are cleared opportunistically on resume.
	if pruned, err := a.manager.PruneStale(ctx, resolvedCfg.StaleAge); err == nil && pruned > 0 {
		logger.Debug("pruned stale session records", "count", pruned)
	}

	printer := newProgressPrinter()
	events, unsubscribe := a.broadcaster.Subscribe()

	printerDone := make(chan struct{})

	go func() {
		printer.Consume(events)
		close(printerDone)
	}()

	resumed, err := a.manager.ResumeAll(ctx)
	if err != nil {
		unsubscribe()
		return err
	}

	if len(resumed) == 0 {
		unsubscribe()
		<-printerDone
		statusf("Nothing to resume.\n")

		return nil
	}

	statusf("Resuming %d upload(s)...\n", len(resumed))

	err = a.manager.Wait()

	unsubscribe()
	<-printerDone

	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		statusf("Uploads paused. Run 'updrive resume' to continue.\n")
	}

	return nil
}
