// Package auth manages OAuth2 delegated credentials: interactive login
// flows, token refresh, and credential file persistence. It implements
// graph.TokenSource so the HTTP layer never handles refresh logic itself.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/updrive/updrive/internal/tokenfile"
)

// Sentinel errors.
var (
	// ErrNotLoggedIn means no credential file exists for the account.
	ErrNotLoggedIn = errors.New("auth: not logged in")

	// ErrAuthExpired means the refresh token was rejected (revoked or
	// expired). Uploads cannot proceed until the user logs in again;
	// retrying is pointless.
	ErrAuthExpired = errors.New("auth: authorization expired, login required")
)

// DefaultSkew is the proactive-refresh window: a token within this much of
// expiry is refreshed before use, so a chunk sequence never starts with an
// almost-dead token.
const DefaultSkew = 5 * time.Minute

// invalidGrant is the OAuth2 error code for a rejected refresh token.
const invalidGrant = "invalid_grant"

// endpoint returns the Microsoft identity platform endpoint for the
// multi-tenant + personal "common" authority.
func endpoint() oauth2.Endpoint {
	return microsoft.AzureADEndpoint("common")
}

// newOAuthConfig builds the oauth2.Config shared by login flows and refresh.
func newOAuthConfig(clientID string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Scopes:   scopes,
		Endpoint: endpoint(),
	}
}

// Provider hands out valid access tokens for one account, refreshing and
// persisting as needed. Safe for concurrent use: when multiple uploads need
// a token at once and it is stale, exactly one refresh request is made and
// all callers share its result.
type Provider struct {
	cfg    *oauth2.Config
	path   string
	skew   time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	token     *oauth2.Token
	accountID string
	meta      map[string]string

	// now is stubbed in tests.
	now func() time.Time
}

// NewProvider loads the credential file at path and returns a Provider for
// it. Returns ErrNotLoggedIn when no credential file exists.
func NewProvider(path, clientID string, scopes []string, skew time.Duration, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if skew <= 0 {
		skew = DefaultSkew
	}

	cf, err := tokenfile.Load(path)
	if err != nil {
		return nil, err
	}

	if cf == nil {
		return nil, ErrNotLoggedIn
	}

	logger.Info("loaded credential",
		slog.String("account_id", cf.AccountID),
		slog.Time("expiry", cf.Token.Expiry),
	)

	return &Provider{
		cfg:       newOAuthConfig(clientID, scopes),
		path:      path,
		skew:      skew,
		logger:    logger,
		token:     cf.Token,
		accountID: cf.AccountID,
		meta:      cf.Meta,
		now:       time.Now,
	}, nil
}

// AccountID returns the account the provider's credential belongs to.
func (p *Provider) AccountID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.accountID
}

// Token returns a valid access token, refreshing it first when it is within
// the skew window of expiry. Implements graph.TokenSource.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fresh() {
		return p.token.AccessToken, nil
	}

	if err := p.refreshLocked(ctx); err != nil {
		return "", err
	}

	return p.token.AccessToken, nil
}

// Refresh forces a token refresh regardless of expiry. Used after a 401 on
// an API call, which means the cached token was invalidated server-side.
func (p *Provider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.refreshLocked(ctx)
}

// fresh reports whether the cached token is still usable, counting the skew
// window as already expired. Callers must hold mu.
func (p *Provider) fresh() bool {
	if p.token.AccessToken == "" {
		return false
	}

	if p.token.Expiry.IsZero() {
		return true
	}

	return p.token.Expiry.After(p.now().Add(p.skew))
}

// refreshLocked exchanges the refresh token for a new token pair and
// persists it. Callers must hold mu — that is what serializes concurrent
// refresh attempts into one request.
func (p *Provider) refreshLocked(ctx context.Context) error {
	if p.token.RefreshToken == "" {
		return ErrAuthExpired
	}

	p.logger.Info("refreshing access token",
		slog.String("account_id", p.accountID),
		slog.Time("old_expiry", p.token.Expiry),
	)

	// Passing a token with only the refresh token forces an actual
	// refresh instead of returning the cached access token.
	src := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: p.token.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == invalidGrant {
			p.logger.Warn("refresh token rejected, re-login required",
				slog.String("account_id", p.accountID),
			)

			return fmt.Errorf("%w: %s", ErrAuthExpired, re.ErrorCode)
		}

		return fmt.Errorf("auth: token refresh failed: %w", err)
	}

	// Some responses omit the refresh token; keep the previous one.
	if tok.RefreshToken == "" {
		tok.RefreshToken = p.token.RefreshToken
	}

	p.token = tok

	p.logger.Info("access token refreshed",
		slog.String("account_id", p.accountID),
		slog.Time("new_expiry", tok.Expiry),
	)

	if err := tokenfile.Save(p.path, &tokenfile.File{
		AccountID: p.accountID,
		Token:     tok,
		Meta:      p.meta,
	}); err != nil {
		// The refreshed token still works for this process; only
		// resume-after-restart is affected.
		p.logger.Warn("failed to persist refreshed token",
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Logout removes the credential file at path. Removing an absent file is
// not an error.
func Logout(path string, logger *slog.Logger) error {
	if err := tokenfile.Remove(path); err != nil {
		return err
	}

	logger.Info("logged out")

	return nil
}

// Account describes a stored credential, for `updrive accounts`.
type Account struct {
	ID     string
	Path   string
	Expiry time.Time
}

// Accounts lists all stored credentials in dir.
func Accounts(dir string) ([]Account, error) {
	files, err := tokenfile.List(dir)
	if err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(files))
	for _, f := range files {
		accounts = append(accounts, Account{
			ID:     f.AccountID,
			Path:   tokenfile.PathFor(dir, f.AccountID),
			Expiry: f.Token.Expiry,
		})
	}

	return accounts, nil
}
