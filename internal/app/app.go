// Package app assembles the store, remote mailbox, sync pipeline and
// inbox service from configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nhle/inboxd/internal/credential"
	"github.com/nhle/inboxd/internal/inbox"
	"github.com/nhle/inboxd/internal/mailbox"
	"github.com/nhle/inboxd/internal/model"
	"github.com/nhle/inboxd/internal/server"
	"github.com/nhle/inboxd/internal/store"
	appsync "github.com/nhle/inboxd/internal/sync"
)

// App holds the wired components of a running instance.
type App struct {
	Config *model.AppConfig
	Log    zerolog.Logger
	Store  *store.SQLStore
	Opener mailbox.Opener
	Syncer *appsync.Syncer
	Poller *appsync.Poller
	Inbox  *inbox.Service
}

// New opens the store and builds the mailbox opener for cfg. Secrets not
// present in cfg are read from creds, which may be nil.
func New(ctx context.Context, cfg *model.AppConfig, creds *credential.Store, log zerolog.Logger) (*App, error) {
	if err := cfg.RequireAccount(); err != nil {
		return nil, err
	}
	if err := ensureDataDir(cfg.Database); err != nil {
		return nil, err
	}
	s, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	log.Info().Str("driver", s.Driver()).Msg("store opened")

	opener, verifier, err := newOpener(ctx, cfg, creds, log)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	syncer := appsync.NewSyncer(opener, s, appsync.Options{
		Limit:        cfg.Sync.Limit,
		FetchTimeout: cfg.Sync.FetchTimeout(),
		FetchRetries: cfg.Sync.FetchRetries,
	}, log)
	poller := appsync.NewPoller(syncer, cfg.Mailbox.Owner, cfg.Sync.Limit, cfg.Sync.Interval(), log)

	svc := inbox.New(inbox.Config{
		Owner:   cfg.Mailbox.Owner,
		Address: cfg.Mailbox.Address,
		Backend: cfg.Mailbox.Backend,
	}, inbox.Deps{
		Store:    s,
		Opener:   opener,
		Syncer:   poller,
		Verifier: verifier,
		Poller:   poller,
		Log:      log,
	})

	return &App{
		Config: cfg,
		Log:    log,
		Store:  s,
		Opener: opener,
		Syncer: syncer,
		Poller: poller,
		Inbox:  svc,
	}, nil
}

// Serve runs the HTTP server and the scheduled sync until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	a.Poller.Start(ctx)
	defer a.Poller.Stop()

	if a.Config.Sync.IntervalSec > 0 {
		a.Log.Info().Int("interval_sec", a.Config.Sync.IntervalSec).Msg("scheduled sync enabled")
	}
	return server.New(a.Inbox, a.Log).ListenAndServe(ctx, a.Config.Server.Addr)
}

// ensureDataDir creates the parent directory of a SQLite database file.
func ensureDataDir(cfg model.DatabaseConfig) error {
	if cfg.Driver != store.DriverSQLite || cfg.DSN == ":memory:" || strings.HasPrefix(cfg.DSN, "file:") {
		return nil
	}
	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dir, err)
	}
	return nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
