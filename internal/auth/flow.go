package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
)

// DeviceAuth holds the device code response fields that the CLI displays to
// the user.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// stateTokenBytes is the number of random bytes for the OAuth2 state parameter.
const stateTokenBytes = 16

// callbackPath is the HTTP path the OAuth2 redirect hits on the local server.
// Root path ensures exact match with the registered "http://localhost"
// redirect URI — Microsoft's v2.0 endpoint allows any port but requires path
// match.
const callbackPath = "/"

// shutdownTimeout is how long to wait for the callback server to drain.
const shutdownTimeout = 5 * time.Second

// Flow runs interactive login flows for a public OAuth2 client.
type Flow struct {
	cfg    *oauth2.Config
	logger *slog.Logger
}

// NewFlow creates a login flow for the given client registration.
func NewFlow(clientID string, scopes []string, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}

	return &Flow{
		cfg:    newOAuthConfig(clientID, scopes),
		logger: logger,
	}
}

// LoginDevice performs the device code flow:
//  1. Requests a device code from Microsoft
//  2. Calls display so the CLI can show the user code and verification URL
//  3. Polls until the user authorizes (blocking, respects ctx cancellation)
//
// Returns the granted token pair; the caller persists it once the account
// identity is known.
func (f *Flow) LoginDevice(ctx context.Context, display func(DeviceAuth)) (*oauth2.Token, error) {
	f.logger.Info("starting device code auth flow")

	da, err := f.cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: device auth request failed: %w", err)
	}

	f.logger.Info("device code received, waiting for user authorization")

	display(DeviceAuth{
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
	})

	tok, err := f.cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("auth: device code authorization failed: %w", err)
	}

	f.logger.Info("user authorized",
		slog.Time("expiry", tok.Expiry),
	)

	return tok, nil
}

// callbackResult carries the authorization code or error from the callback
// handler.
type callbackResult struct {
	code string
	err  error
}

// LoginBrowser performs the authorization code + PKCE flow:
//  1. Binds a localhost HTTP server on a random port
//  2. Opens the browser to Microsoft's authorization endpoint
//  3. Receives the callback with the authorization code
//  4. Exchanges the code for tokens using PKCE
//
// openURL is called with the authorization URL; the CLI uses it to launch
// the default browser. If openURL returns an error, the URL is printed to
// stderr so the user can open it manually.
func (f *Flow) LoginBrowser(ctx context.Context, openURL func(string) error) (*oauth2.Token, error) {
	f.logger.Info("starting browser auth flow (authorization code + PKCE)")

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := f.startCallbackServer(ctx, mux, resultCh)
	if err != nil {
		return nil, err
	}

	defer f.shutdownCallbackServer(srv)

	// Copy the config so RedirectURL mutation does not race a concurrent
	// flow. No path suffix — must match the registered "http://localhost"
	// URI exactly (port is ignored by the v2.0 endpoint).
	cfg := *f.cfg
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d", port)

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("auth: generating state token: %w", err)
	}

	registerCallbackHandler(mux, state, resultCh)

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)

	f.launchBrowser(authURL, openURL)

	code, err := waitForCallback(ctx, resultCh)
	if err != nil {
		return nil, err
	}

	f.logger.Info("received authorization code, exchanging for token")

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("auth: token exchange failed: %w", err)
	}

	f.logger.Info("token exchange successful",
		slog.Time("expiry", tok.Expiry),
	)

	return tok, nil
}

// startCallbackServer binds to 127.0.0.1:0 and starts an HTTP server with
// the given mux. Returns the server, the port, and any error.
func (f *Flow) startCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("auth: binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, fmt.Errorf("auth: listener address is not TCP")
	}

	port := tcpAddr.Port
	f.logger.Info("callback server listening", slog.Int("port", port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			resultCh <- callbackResult{err: fmt.Errorf("auth: callback server error: %w", serveErr)}
		}
	}()

	return srv, port, nil
}

// registerCallbackHandler adds the callback route to the mux.
// Must be called before the browser redirects back.
func registerCallbackHandler(mux *http.ServeMux, state string, resultCh chan<- callbackResult) {
	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		handleOAuthCallback(w, r, state, resultCh)
	})
}

// handleOAuthCallback validates the state, extracts the code, and sends the
// result.
func handleOAuthCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	// Validate state to prevent CSRF.
	if r.URL.Query().Get("state") != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		resultCh <- callbackResult{err: fmt.Errorf("auth: OAuth2 state mismatch (possible CSRF)")}

		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		desc := r.URL.Query().Get("error_description")
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		resultCh <- callbackResult{err: fmt.Errorf("auth: authorization failed: %s: %s", errParam, desc)}

		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		resultCh <- callbackResult{err: fmt.Errorf("auth: callback missing authorization code")}

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Authentication successful</h1>"+
		"<p>You can close this window and return to the terminal.</p></body></html>")
	resultCh <- callbackResult{code: code}
}

// shutdownCallbackServer gracefully shuts down the callback HTTP server.
func (f *Flow) shutdownCallbackServer(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Best-effort shutdown — log but don't propagate since we're in a defer.
		f.logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// launchBrowser attempts to open the auth URL. If it fails, prints the URL
// to stderr as a fallback so the user can copy-paste it.
func (f *Flow) launchBrowser(authURL string, openURL func(string) error) {
	f.logger.Info("opening browser for authorization")

	if openErr := openURL(authURL); openErr != nil {
		f.logger.Warn("failed to open browser, printing URL",
			slog.String("error", openErr.Error()),
		)

		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}
}

// waitForCallback blocks until the callback fires or the context is canceled.
func waitForCallback(ctx context.Context, resultCh <-chan callbackResult) (string, error) {
	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}

		return result.code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("auth: browser auth canceled: %w", ctx.Err())
	}
}

// generateState produces a cryptographically random hex string for the
// OAuth2 state parameter.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
