package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newUploadCmd() *cobra.Command {
	var remoteDir string

	cmd := &cobra.Command{
		Use:   "upload <path>...",
		Short: "Upload files or directories to OneDrive",
		Long: "Upload one or more files or directories. Interrupted uploads are\n" +
			"persisted and picked up by 'updrive resume'. Directories are walked\n" +
			"recursively; hidden files are skipped.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runUpload(args, remoteDir)
		},
	}

	cmd.Flags().StringVarP(&remoteDir, "dest", "d", "", "destination folder on OneDrive (default: drive root)")

	return cmd
}

func runUpload(paths []string, remoteDir string) error {
	logger := buildLogger()
	ctx := pauseOnSignal(context.Background(), logger)

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Creating the destination folder up front fails fast on typos
	// instead of erroring once per queued file.
	if dir := strings.Trim(remoteDir, "/"); dir != "" {
		if _, err := a.client.EnsureFolderPath(ctx, dir); err != nil {
			return fmt.Errorf("preparing destination folder %s: %w", dir, err)
		}
	}

	printer := newProgressPrinter()
	events, unsubscribe := a.broadcaster.Subscribe()

	printerDone := make(chan struct{})

	go func() {
		printer.Consume(events)
		close(printerDone)
	}()

	queued := 0

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			unsubscribe()
			return fmt.Errorf("stat %s: %w", p, err)
		}

		if info.IsDir() {
			sessions, err := a.manager.UploadDir(ctx, p, remoteDir)
			if err != nil {
				unsubscribe()
				return err
			}

			queued += len(sessions)

			continue
		}

		if _, err := a.manager.StartUpload(ctx, p, remoteFileName(remoteDir, p)); err != nil {
			unsubscribe()
			return err
		}

		queued++
	}

	statusf("Uploading %d file(s)...\n", queued)

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

// remoteFileName maps a local file to its remote path under the
// destination folder.
func remoteFileName(remoteDir, localPath string) string {
	base := filepath.Base(localPath)

	if remoteDir = strings.Trim(remoteDir, "/"); remoteDir == "" {
		return base
	}

	return path.Join(remoteDir, base)
}
