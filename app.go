package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/updrive/updrive/internal/auth"
	"github.com/updrive/updrive/internal/config"
	"github.com/updrive/updrive/internal/engine"
	"github.com/updrive/updrive/internal/graph"
	"github.com/updrive/updrive/internal/store"
	"github.com/updrive/updrive/internal/tokenfile"
)

// app wires the upload engine together for one CLI invocation: credentials,
// Graph client, session store, worker pool, and the event stream.
type app struct {
	cfg         *config.Resolved
	logger      *slog.Logger
	provider    *auth.Provider
	client      *graph.Client
	store       *store.Store
	broadcaster *engine.Broadcaster
	events      *engine.EventServer
	manager     *engine.Manager
}

// newApp builds the full engine stack. The manager's workers run under ctx;
// canceling it pauses every active upload.
func newApp(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*app, error) {
	credPath, err := resolveCredentialsPath(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := auth.NewProvider(credPath, cfg.ClientID, cfg.Scopes, cfg.TokenSkew, logger)
	if err != nil {
		return nil, err
	}

	client := graph.NewClient(graph.DefaultBaseURL, uploadHTTPClient(cfg.ConnectTimeout), provider, logger,
		graph.WithUserAgent(cfg.UserAgent))

	st, err := store.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	broadcaster := engine.NewBroadcaster()
	limiter := engine.NewBandwidthLimiter(cfg.BandwidthLimit, logger)

	executor := engine.NewExecutor(client, provider, st, limiter, cfg.MaxChunkRetries,
		broadcaster.Publish, logger)

	manager := engine.NewManager(ctx, engine.ManagerConfig{
		AccountID:        provider.AccountID(),
		ParallelUploads:  cfg.ParallelUploads,
		ChunkSize:        cfg.ChunkSize,
		ConflictBehavior: cfg.ConflictBehavior,
	}, executor, st, logger)

	a := &app{
		cfg:         cfg,
		logger:      logger,
		provider:    provider,
		client:      client,
		store:       st,
		broadcaster: broadcaster,
		manager:     manager,
	}

	if cfg.EventsListen != "" {
		a.events = engine.NewEventServer(broadcaster, logger)
		if _, err := a.events.Listen(cfg.EventsListen); err != nil {
			st.Close() //nolint:errcheck
			return nil, fmt.Errorf("starting event stream: %w", err)
		}
	}

	return a, nil
}

// Close releases the app's resources. Safe to call after a partial failure.
func (a *app) Close() {
	if a.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		a.events.Shutdown(ctx) //nolint:errcheck
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing session store", slog.String("error", err.Error()))
		}
	}
}

// resolveCredentialsPath picks the credential file for the configured
// account, or the only logged-in account when none is configured.
func resolveCredentialsPath(cfg *config.Resolved) (string, error) {
	credDir := config.CredentialsDir(cfg.DataDir)

	if cfg.Account != "" {
		return tokenfile.PathFor(credDir, cfg.Account), nil
	}

	accounts, err := auth.Accounts(credDir)
	if err != nil {
		return "", fmt.Errorf("listing accounts: %w", err)
	}

	switch len(accounts) {
	case 0:
		return "", auth.ErrNotLoggedIn
	case 1:
		return accounts[0].Path, nil
	default:
		ids := make([]string, len(accounts))
		for i, acct := range accounts {
			ids[i] = acct.ID
		}

		return "", fmt.Errorf("multiple accounts logged in (%v), pick one with --account", ids)
	}
}

// uploadHTTPClient returns a client suited for long-running chunk PUTs:
// connection setup is bounded, the request as a whole is not, since a chunk
// on a slow uplink can legitimately take minutes.
func uploadHTTPClient(connectTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: 2 * time.Minute,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
