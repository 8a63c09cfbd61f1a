package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/updrive/updrive/internal/tokenfile"
)

var testScopes = []string{"offline_access", "Files.ReadWrite.All"}

// newTokenServer returns an httptest server acting as the OAuth2 token
// endpoint, plus a counter of refresh requests served.
func newTokenServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

// newTestProvider writes a credential file and builds a Provider whose token
// endpoint points at tokenURL.
func newTestProvider(t *testing.T, tok *oauth2.Token, tokenURL string) *Provider {
	t.Helper()

	path := filepath.Join(t.TempDir(), "acct.json")
	require.NoError(t, tokenfile.Save(path, &tokenfile.File{
		AccountID: "user@example.com",
		Token:     tok,
	}))

	p, err := NewProvider(path, "client-1", testScopes, DefaultSkew, slog.Default())
	require.NoError(t, err)

	p.cfg.Endpoint = oauth2.Endpoint{
		TokenURL:  tokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}

	return p
}

const freshTokenJSON = `{
	"access_token": "refreshed-at",
	"token_type": "Bearer",
	"expires_in": 3600,
	"refresh_token": "refreshed-rt"
}`

func TestProvider_FreshTokenNoRefresh(t *testing.T) {
	srv, calls := newTokenServer(t, http.StatusOK, freshTokenJSON)

	p := newTestProvider(t, &oauth2.Token{
		AccessToken:  "cached-at",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(time.Hour),
	}, srv.URL)

	got, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached-at", got)
	assert.Equal(t, int32(0), calls.Load())
}

func TestProvider_RefreshesWithinSkew(t *testing.T) {
	srv, calls := newTokenServer(t, http.StatusOK, freshTokenJSON)

	// Expires in 2 minutes — inside the 5 minute skew window.
	p := newTestProvider(t, &oauth2.Token{
		AccessToken:  "stale-at",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(2 * time.Minute),
	}, srv.URL)

	got, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-at", got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProvider_ConcurrentCallersShareOneRefresh(t *testing.T) {
	srv, calls := newTokenServer(t, http.StatusOK, freshTokenJSON)

	p := newTestProvider(t, &oauth2.Token{
		AccessToken:  "expired-at",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(-time.Minute),
	}, srv.URL)

	const workers = 8

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			got, err := p.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "refreshed-at", got)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestProvider_InvalidGrantMapsToAuthExpired(t *testing.T) {
	srv, _ := newTokenServer(t, http.StatusBadRequest, `{"error": "invalid_grant"}`)

	p := newTestProvider(t, &oauth2.Token{
		AccessToken:  "expired-at",
		RefreshToken: "revoked-rt",
		Expiry:       time.Now().Add(-time.Minute),
	}, srv.URL)

	_, err := p.Token(context.Background())
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestProvider_MissingRefreshToken(t *testing.T) {
	p := newTestProvider(t, &oauth2.Token{
		AccessToken: "expired-at",
		Expiry:      time.Now().Add(-time.Minute),
	}, "http://unused")

	_, err := p.Token(context.Background())
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestProvider_PersistsRefreshedToken(t *testing.T) {
	srv, _ := newTokenServer(t, http.StatusOK, freshTokenJSON)

	p := newTestProvider(t, &oauth2.Token{
		AccessToken:  "expired-at",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(-time.Minute),
	}, srv.URL)

	_, err := p.Token(context.Background())
	require.NoError(t, err)

	cf, err := tokenfile.Load(p.path)
	require.NoError(t, err)
	require.NotNil(t, cf)
	assert.Equal(t, "refreshed-at", cf.Token.AccessToken)
	assert.Equal(t, "refreshed-rt", cf.Token.RefreshToken)
	assert.Equal(t, "user@example.com", cf.AccountID)
}

func TestProvider_KeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	srv, _ := newTokenServer(t, http.StatusOK, `{
		"access_token": "refreshed-at",
		"token_type": "Bearer",
		"expires_in": 3600
	}`)

	p := newTestProvider(t, &oauth2.Token{
		AccessToken:  "expired-at",
		RefreshToken: "original-rt",
		Expiry:       time.Now().Add(-time.Minute),
	}, srv.URL)

	_, err := p.Token(context.Background())
	require.NoError(t, err)

	cf, err := tokenfile.Load(p.path)
	require.NoError(t, err)
	assert.Equal(t, "original-rt", cf.Token.RefreshToken)
}

func TestProvider_ForcedRefresh(t *testing.T) {
	srv, calls := newTokenServer(t, http.StatusOK, freshTokenJSON)

	p := newTestProvider(t, &oauth2.Token{
		AccessToken:  "still-valid-but-rejected",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(time.Hour),
	}, srv.URL)

	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	got, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-at", got)
}

func TestNewProvider_NotLoggedIn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")

	_, err := NewProvider(path, "client-1", testScopes, DefaultSkew, slog.Default())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestLogoutIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acct.json")
	require.NoError(t, tokenfile.Save(path, &tokenfile.File{
		AccountID: "user@example.com",
		Token:     &oauth2.Token{AccessToken: "at"},
	}))

	require.NoError(t, Logout(path, slog.Default()))
	require.NoError(t, Logout(path, slog.Default()))
}

func TestAccounts(t *testing.T) {
	dir := t.TempDir()

	for _, id := range []string{"a@example.com", "b@example.com"} {
		require.NoError(t, tokenfile.Save(tokenfile.PathFor(dir, id), &tokenfile.File{
			AccountID: id,
			Token:     &oauth2.Token{AccessToken: "at", Expiry: time.Now().Add(time.Hour)},
		}))
	}

	accounts, err := Accounts(dir)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	ids := []string{accounts[0].ID, accounts[1].ID}
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, ids)
}
