package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/picorca/picsync/internal/models"
	"github.com/picorca/picsync/internal/store"
	"github.com/picorca/picsync/internal/syncer"
	"github.com/picorca/picsync/internal/transport"
	"github.com/picorca/picsync/pkg/ticket"
)

// sessionRetries times a failed session is restarted before the sync round
// is reported failed. Safe: sessions are always retriable.
const sessionRetries = 3

// Client is the joining role: it dials the peers from a ticket and runs
// initiator sync sessions until its replica matches the seed's.
type Client struct {
	opts   Options
	store  store.Store
	logger *slog.Logger
	book   *transport.AddressBook
	dialer *transport.Dialer
	ticket *ticket.Ticket

	mu   sync.Mutex
	conn *transport.Conn
}

// NewClient builds the client role from a decoded ticket.
func NewClient(opts Options, t *ticket.Ticket) (*Client, error) {
	opts.defaults()
	if t.Namespace != opts.Store.Namespace() {
		return nil, fmt.Errorf("node: ticket namespace does not match local replica: %w", store.ErrCorruptLocalState)
	}

	book := transport.NewAddressBook()
	return &Client{
		opts:   opts,
		store:  opts.Store,
		logger: opts.Logger,
		book:   book,
		dialer: transport.NewDialer(opts.Identity, book, opts.Transport, opts.Logger),
		ticket: t,
	}, nil
}

// Run keeps the replica converged: an initial sync round, then periodic
// rounds every interval until the context ends. Transient errors are logged
// and retried with the next round; an identity mismatch is fatal.
func (c *Client) Run(ctx context.Context, interval time.Duration) error {
	for {
		if err := c.SyncNow(ctx); err != nil {
			if errors.Is(err, transport.ErrIdentityMismatch) {
				return err
			}
			c.logger.Info("sync round failed, will retry", "error", err)
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			c.closeConn()
			return ctx.Err()
		}
	}
}

// SyncNow runs one sync round: sessions for every kind, concurrently on
// separate logical streams of one connection.
func (c *Client) SyncNow(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(models.Kinds()))
	for i, kind := range models.Kinds() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.syncKind(ctx, conn, kind)
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		// Оборванное соединение переустановится на следующем раунде
		c.closeConn()
		return err
	}
	return nil
}

// syncKind runs one (peer, kind) session, restarting it a bounded number of
// times if reconciliation reports incomplete convergence.
func (c *Client) syncKind(ctx context.Context, conn *transport.Conn, kind models.Kind) error {
	var lastErr error
	for attempt := 0; attempt < sessionRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * c.opts.Transport.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		stream, err := conn.OpenStream(string(kind))
		if err != nil {
			return err
		}
		stats, err := syncer.Initiate(ctx, c.store, kind, stream, c.opts.Sync, c.logger)
		if err == nil {
			c.logger.Debug("kind converged", "kind", string(kind),
				"sent", stats.EntriesSent, "received", stats.EntriesReceived)
			return nil
		}
		lastErr = err
		if !errors.Is(err, syncer.ErrReconciliationIncomplete) {
			return err
		}
		c.logger.Info("reconciliation incomplete, restarting session", "kind", string(kind))
	}
	return lastErr
}

// connect returns the live connection to the seed, dialing the ticket's
// peers if needed.
func (c *Client) connect(ctx context.Context) (*transport.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		select {
		case <-c.conn.Done():
			c.conn = nil
		default:
			return c.conn, nil
		}
	}

	var lastErr error
	for _, peer := range c.ticket.Peers {
		conn, err := c.dialer.Dial(ctx, peer)
		if err != nil {
			if errors.Is(err, transport.ErrIdentityMismatch) {
				return nil, err
			}
			lastErr = err
			continue
		}
		c.conn = conn
		return conn, nil
	}
	return nil, fmt.Errorf("node: no bootstrap peer reachable: %w", lastErr)
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Logger exposes the client logger for the command surface.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}
