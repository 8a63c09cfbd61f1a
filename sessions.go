package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/updrive/updrive/internal/config"
	"github.com/updrive/updrive/internal/engine"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List upload sessions and their progress",
		RunE:  runSessions,
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel an upload and discard its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runCancel(args[0])
		},
	}
}

// sessionOutput is the JSON schema for `sessions --json`.
type sessionOutput struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	LocalPath  string    `json:"local_path"`
	RemotePath string    `json:"remote_path"`
	BytesDone  int64     `json:"bytes_done"`
	TotalBytes int64     `json:"total_bytes"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func runSessions(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.manager.Sessions(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		return printSessionsJSON(sessions)
	}

	if len(sessions) == 0 {
		statusf("No upload sessions.\n")
		return nil
	}

	printSessionsTable(sessions)

	return nil
}

func printSessionsJSON(sessions []*engine.Session) error {
	out := make([]sessionOutput, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionOutput{
			ID:         s.ID,
			Status:     string(s.Status),
			LocalPath:  s.LocalPath,
			RemotePath: s.RemotePath,
			BytesDone:  s.ConfirmedOffset,
			TotalBytes: s.TotalSize,
			Error:      s.ErrorMsg,
			CreatedAt:  s.CreatedAt,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printSessionsTable(sessions []*engine.Session) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSIZE\tFILE")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(s.ID),
			s.Status,
			formatPercent(s.ConfirmedOffset, s.TotalSize),
			config.FormatSize(s.TotalSize),
			s.LocalPath,
		)
	}

	w.Flush() //nolint:errcheck
}

// shortID abbreviates a session UUID for table display. Cancel accepts
// both forms.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}

func runCancel(id string) error {
	logger := buildLogger()
	ctx := context.Background()

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	fullID, err := expandSessionID(ctx, a, id)
	if err != nil {
		return err
	}

	if err := a.manager.Cancel(ctx, fullID); err != nil {
		return err
	}

	statusf("Canceled %s.\n", shortID(fullID))

	return nil
}

// expandSessionID resolves an abbreviated session ID to the full one,
// erroring when the prefix is ambiguous.
func expandSessionID(ctx context.Context, a *app, id string) (string, error) {
	sessions, err := a.manager.Sessions(ctx)
	if err != nil {
		return "", err
	}

	var match string

	for _, s := range sessions {
		if s.ID == id {
			return id, nil
		}

		if len(id) >= 4 && len(s.ID) >= len(id) && s.ID[:len(id)] == id {
			if match != "" {
				return "", fmt.Errorf("session ID %q is ambiguous", id)
			}

			match = s.ID
		}
	}

	if match == "" {
		return "", engine.ErrSessionNotFound
	}

	return match, nil
}
