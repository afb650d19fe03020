package cmd

import (
	"context"
	"fmt"

	"github.com/chefia/possync/internal/backup"
	"github.com/chefia/possync/internal/cache"
	"github.com/chefia/possync/internal/events"
	"github.com/chefia/possync/internal/model"
	"github.com/chefia/possync/internal/queue"
	"github.com/chefia/possync/internal/remote"
	"github.com/chefia/possync/internal/store/sqlitestore"
	"github.com/chefia/possync/internal/syncconfig"
	"github.com/chefia/possync/internal/terminal"
)

// app bundles the pieces shared by every command: the store, the config,
// the terminal identity and the services built on top of them.
type app struct {
	cfg      *syncconfig.Config
	store    *sqlitestore.Store
	identity *model.TerminalIdentity
	bus      *events.Bus
	queue    *queue.Queue
	remote   *remote.Client
	cache    *cache.Cache
	backup   *backup.Service
}

// openApp opens the terminal's store and wires the service graph. The
// caller must Close it; the store handle is released last.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := syncconfig.Load(getBaseDir())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := sqlitestore.Open(getBaseDir())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	identity, err := terminal.Identity(ctx, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("terminal identity: %w", err)
	}

	q, err := queue.Open(ctx, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	a := &app{
		cfg:      cfg,
		store:    st,
		identity: identity,
		bus:      events.NewBus(),
		queue:    q,
		remote:   remote.New(cfg.GetRemoteURL(), cfg.GetAPIKey(), identity.TerminalID),
	}
	a.cache = cache.New(st, a.remote, nil)
	a.backup = backup.New(st, q, a.bus, a.cache, identity.TerminalID, cfg.UserID, cfg.GetTrackedCollections())
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
