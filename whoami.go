package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/updrive/updrive/internal/auth"
	"github.com/updrive/updrive/internal/config"
)

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and drive quota",
		RunE:  runWhoami,
	}
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	User  whoamiUser  `json:"user"`
	Drive whoamiDrive `json:"drive"`
}

type whoamiUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type whoamiDrive struct {
	ID         string `json:"id"`
	DriveType  string `json:"drive_type"`
	QuotaUsed  int64  `json:"quota_used"`
	QuotaTotal int64  `json:"quota_total"`
}

func runWhoami(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		if errors.Is(err, auth.ErrNotLoggedIn) {
			return fmt.Errorf("not logged in — run 'updrive login' first")
		}

		return err
	}
	defer a.Close()

	user, err := a.client.Me(ctx)
	if err != nil {
		return fmt.Errorf("fetching user profile: %w", err)
	}

	drive, err := a.client.DefaultDrive(ctx)
	if err != nil {
		return fmt.Errorf("fetching drive: %w", err)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(whoamiOutput{
			User: whoamiUser{ID: user.ID, DisplayName: user.DisplayName, Email: user.Email},
			Drive: whoamiDrive{
				ID:         drive.ID,
				DriveType:  drive.DriveType,
				QuotaUsed:  drive.QuotaUsed,
				QuotaTotal: drive.QuotaTotal,
			},
		})
	}

	fmt.Printf("Signed in as %s (%s)\n", user.DisplayName, user.Email)
	fmt.Printf("Drive: %s (%s)\n", drive.ID, drive.DriveType)

	if drive.QuotaTotal > 0 {
		fmt.Printf("Quota: %s of %s used\n",
			config.FormatSize(drive.QuotaUsed), config.FormatSize(drive.QuotaTotal))
	}

	return nil
}
