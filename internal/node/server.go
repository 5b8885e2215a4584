package node

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/picorca/picsync/internal/store"
	"github.com/picorca/picsync/internal/syncer"
	"github.com/picorca/picsync/internal/transport"
	"github.com/picorca/picsync/pkg/ticket"
)

// Server is the seed role: it accepts inbound connections, answers sync
// sessions and publishes the join ticket clients use to find it.
type Server struct {
	opts     Options
	store    store.Store
	logger   *slog.Logger
	book     *transport.AddressBook
	listener *transport.Listener

	ctx    context.Context
	cancel context.CancelFunc

	joinTicket string
}

// NewServer builds the seed role.
func NewServer(opts Options) *Server {
	opts.defaults()
	return &Server{
		opts:   opts,
		store:  opts.Store,
		logger: opts.Logger,
		book:   transport.NewAddressBook(),
	}
}

// Start listens on listenAddr and builds the join ticket. The ticket is
// stable for the lifetime of the listening session.
func (s *Server) Start(ctx context.Context, listenAddr string) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.listener = transport.NewListener(s.opts.Identity, s.handleConn, s.book, s.opts.Transport, s.logger)
	addrs, nodeID, err := s.listener.Listen(s.ctx, listenAddr)
	if err != nil {
		return err
	}

	t := &ticket.Ticket{
		Namespace: s.store.Namespace(),
		Peers: []ticket.PeerHint{
			{ID: nodeID, Addrs: addrs},
		},
	}
	s.joinTicket, err = t.Encode()
	if err != nil {
		return fmt.Errorf("node: build join ticket: %w", err)
	}
	return nil
}

// Ticket returns the shareable join token for this listening session.
func (s *Server) Ticket() string {
	return s.joinTicket
}

// Close stops the listener and aborts in-flight sessions.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// handleConn serves sync streams on one peer connection. One task per
// stream: image and folder sessions proceed concurrently without head-of-
// line blocking.
func (s *Server) handleConn(conn *transport.Conn) {
	go func() {
		defer conn.Close()
		for {
			stream, err := conn.AcceptStream(s.ctx)
			if err != nil {
				return
			}
			go func() {
				if err := syncer.Respond(s.ctx, s.store, stream, s.opts.Sync, s.logger); err != nil {
					s.logger.Info("sync session ended with error",
						"peer", conn.RemoteID().String(), "error", err)
				}
			}()
		}
	}()
}
