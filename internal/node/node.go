// Package node wires identity, store, transport and syncer into the two
// runnable roles: the seed ("server") that listens and publishes a join
// ticket, and the client that consumes a ticket and keeps its replica
// converged.
package node

import (
	"log/slog"

	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/internal/store"
	"github.com/picorca/picsync/internal/syncer"
	"github.com/picorca/picsync/internal/transport"
)

// Options collects the shared pieces both roles are built from.
type Options struct {
	Identity  *identity.Identity
	Store     store.Store
	Logger    *slog.Logger
	Transport *transport.Settings
	Sync      *syncer.Settings
}

func (o *Options) defaults() {
	if o.Transport == nil {
		o.Transport = transport.DefaultSettings()
	}
	if o.Sync == nil {
		o.Sync = syncer.DefaultSettings()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
