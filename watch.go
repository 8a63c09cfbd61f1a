package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/updrive/updrive/internal/engine"
)

// settleDelay is how long a file must stay quiet after its last write
// before it is uploaded. Uploading mid-copy would ship a truncated file.
const settleDelay = 2 * time.Second

func newWatchCmd() *cobra.Command {
	var remoteDir string

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Watch a folder and upload files dropped into it",
		Long: "Watch a local folder and upload every file created or modified in\n" +
			"it. Runs until interrupted; in-flight uploads are paused and can be\n" +
			"resumed later.",
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runWatch(args[0], remoteDir)
		},
	}

	cmd.Flags().StringVarP(&remoteDir, "dest", "d", "", "destination folder on OneDrive (default: drive root)")

	return cmd
}

func runWatch(root, remoteDir string) error {
	logger := buildLogger()
	ctx := pauseOnSignal(context.Background(), logger)

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat %s: %w", root, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if dir := strings.Trim(remoteDir, "/"); dir != "" {
		if _, err := a.client.EnsureFolderPath(ctx, dir); err != nil {
			return fmt.Errorf("preparing destination folder %s: %w", dir, err)
		}
	}

	printer := newProgressPrinter()
	events, unsubscribe := a.broadcaster.Subscribe()
	defer unsubscribe()

	go printer.Consume(events)

	w := &dirWatcher{
		root:      filepath.Clean(root),
		remoteDir: remoteDir,
		manager:   a.manager,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
	}

	statusf("Watching %s. Press Ctrl-C to stop.\n", root)

	if err := w.run(ctx); err != nil {
		return err
	}

	// Let uploads dispatched before the shutdown persist their state.
	if err := a.manager.Wait(); err != nil {
		return err
	}

	statusf("Stopped. Run 'updrive resume' to finish interrupted uploads.\n")

	return nil
}

// dirWatcher uploads files as they settle inside a watched directory tree.
type dirWatcher struct {
	root      string
	remoteDir string
	manager   *engine.Manager
	logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func (w *dirWatcher) run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addWatchTree(watcher, w.root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return nil

		case fsEvent, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			w.handleFsEvent(ctx, watcher, fsEvent)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
			)
		}
	}
}

// addWatchTree registers the directory and all non-hidden subdirectories.
func (w *dirWatcher) addWatchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}

		return nil
	})
}

func (w *dirWatcher) handleFsEvent(ctx context.Context, watcher *fsnotify.Watcher, fsEvent fsnotify.Event) {
	// Mode changes carry no content.
	if fsEvent.Has(fsnotify.Chmod) && !fsEvent.Has(fsnotify.Create) && !fsEvent.Has(fsnotify.Write) {
		return
	}

	name := filepath.Base(fsEvent.Name)
	if strings.HasPrefix(name, ".") {
		return
	}

	if fsEvent.Has(fsnotify.Remove) || fsEvent.Has(fsnotify.Rename) {
		w.cancelTimer(fsEvent.Name)
		return
	}

	info, err := os.Stat(fsEvent.Name)
	if err != nil {
		// Gone already; a Remove event follows.
		return
	}

	if info.IsDir() {
		if fsEvent.Has(fsnotify.Create) {
			if err := w.addWatchTree(watcher, fsEvent.Name); err != nil {
				w.logger.Warn("could not watch new directory",
					slog.String("path", fsEvent.Name),
					slog.String("error", err.Error()),
				)
			}
		}

		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	w.scheduleUpload(ctx, fsEvent.Name)
}

// scheduleUpload (re)starts the settle timer for a path. Every new write
// pushes the upload back by settleDelay.
func (w *dirWatcher) scheduleUpload(ctx context.Context, localPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[localPath]; ok {
		timer.Reset(settleDelay)
		return
	}

	w.timers[localPath] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.timers, localPath)
		w.mu.Unlock()

		w.upload(ctx, localPath)
	})
}

func (w *dirWatcher) upload(ctx context.Context, localPath string) {
	if ctx.Err() != nil {
		return
	}

	rel, err := filepath.Rel(w.root, localPath)
	if err != nil {
		w.logger.Warn("could not compute relative path",
			slog.String("path", localPath),
			slog.String("error", err.Error()),
		)

		return
	}

	remotePath := filepath.ToSlash(rel)
	if dir := strings.Trim(w.remoteDir, "/"); dir != "" {
		remotePath = path.Join(dir, remotePath)
	}

	if _, err := w.manager.StartUpload(ctx, localPath, remotePath); err != nil {
		if errors.Is(err, engine.ErrAlreadyQueued) {
			return
		}

		w.logger.Error("could not queue upload",
			slog.String("path", localPath),
			slog.String("error", err.Error()),
		)
	}
}

func (w *dirWatcher) cancelTimer(localPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[localPath]; ok {
		timer.Stop()
		delete(w.timers, localPath)
	}
}

func (w *dirWatcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for p, timer := range w.timers {
		timer.Stop()
		delete(w.timers, p)
	}
}
