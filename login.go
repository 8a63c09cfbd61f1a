package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/updrive/updrive/internal/auth"
	"github.com/updrive/updrive/internal/config"
	"github.com/updrive/updrive/internal/graph"
	"github.com/updrive/updrive/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	var useBrowser bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with OneDrive",
		Long:  "Sign in using the device code flow, or a local browser with --browser.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runLogin(useBrowser)
		},
	}

	cmd.Flags().BoolVar(&useBrowser, "browser", false, "authenticate via local browser instead of device code")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove saved credentials for the account",
		RunE:  runLogout,
	}
}

func newAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List logged-in accounts",
		RunE:  runAccounts,
	}
}

func runLogin(useBrowser bool) error {
	logger := buildLogger()
	ctx := context.Background()

	flow := auth.NewFlow(resolvedCfg.ClientID, resolvedCfg.Scopes, logger)

	var (
		tok *oauth2.Token
		err error
	)

	if useBrowser {
		tok, err = flow.LoginBrowser(ctx, openBrowser)
	} else {
		tok, err = flow.LoginDevice(ctx, func(da auth.DeviceAuth) {
			// Device code prompts must always be visible, never suppressed
			// by --quiet.
			fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", da.VerificationURI)
			fmt.Fprintf(os.Stderr, "Enter code: %s\n", da.UserCode)
		})
	}

	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	accountID, err := lookupAccountID(ctx, tok.AccessToken, logger)
	if err != nil {
		return err
	}

	credDir := config.CredentialsDir(resolvedCfg.DataDir)
	credPath := tokenfile.PathFor(credDir, accountID)

	if err := tokenfile.Save(credPath, &tokenfile.File{
		AccountID: accountID,
		Token:     tok,
	}); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}

	statusf("Logged in as %s.\n", accountID)

	return nil
}

// openBrowser launches the system default browser. The flow falls back to
// printing the URL when this fails.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

// staticToken adapts a freshly-issued access token for the one Graph call
// made before the credential file exists.
type staticToken string

func (t staticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// lookupAccountID asks Graph who the new token belongs to. The account ID
// names the credential file and scopes session records.
func lookupAccountID(ctx context.Context, accessToken string, logger *slog.Logger) (string, error) {
	client := graph.NewClient(graph.DefaultBaseURL, http.DefaultClient, staticToken(accessToken), logger)

	user, err := client.Me(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching user profile: %w", err)
	}

	if user.Email != "" {
		return user.Email, nil
	}

	return user.ID, nil
}

func runLogout(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	credPath, err := resolveCredentialsPath(resolvedCfg)
	if err != nil {
		return err
	}

	if err := auth.Logout(credPath, logger); err != nil {
		return err
	}

	statusf("Logged out.\n")

	return nil
}

func runAccounts(_ *cobra.Command, _ []string) error {
	dataDir := config.DefaultDataDir()
	if env := config.ReadEnvOverrides(); env.DataDir != "" {
		dataDir = env.DataDir
	}

	accounts, err := auth.Accounts(config.CredentialsDir(dataDir))
	if err != nil {
		return err
	}

	if len(accounts) == 0 {
		statusf("No accounts logged in. Run 'updrive login' first.\n")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tTOKEN EXPIRES")

	for _, acct := range accounts {
		expiry := "unknown"
		if !acct.Expiry.IsZero() {
			expiry = acct.Expiry.Local().Format(time.RFC3339)
		}

		fmt.Fprintf(w, "%s\t%s\n", acct.ID, expiry)
	}

	return w.Flush()
}
