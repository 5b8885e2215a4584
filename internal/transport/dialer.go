package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/pkg/ticket"
)

// Dialer establishes outbound connections to peers known from tickets.
type Dialer struct {
	identity *identity.Identity
	settings *Settings
	logger   *slog.Logger
	book     *AddressBook
}

// NewDialer creates a dialer recording learned addresses into book.
func NewDialer(id *identity.Identity, book *AddressBook, settings *Settings, logger *slog.Logger) *Dialer {
	return &Dialer{
		identity: id,
		settings: settings,
		logger:   logger,
		book:     book,
	}
}

// Dial connects to the peer, trying every address on file until one yields a
// channel authenticated as peer.ID. Returns ErrIdentityMismatch immediately
// (no retry) if an address authenticates as someone else, and
// ErrPeerUnreachable after the bounded retry budget is spent.
func (d *Dialer) Dial(ctx context.Context, peer ticket.PeerHint) (*Conn, error) {
	d.book.Record(peer.ID, peer.Addrs...)

	cert, err := d.identity.Certificate()
	if err != nil {
		return nil, err
	}

	mismatch := false
	tlsConf := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		// Цепочка сертификатов не проверяется; вместо нее leaf
		// сверяется с ожидаемым node id
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			got, err := peerLeafID(rawCerts)
			if err != nil {
				return err
			}
			if got != peer.ID {
				mismatch = true
				return fmt.Errorf("%w: expected %s, got %s", ErrIdentityMismatch, peer.ID, got)
			}
			return nil
		},
	}

	wsDialer := &websocket.Dialer{
		TLSClientConfig:  tlsConf,
		HandshakeTimeout: d.settings.DialTimeout,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}

	var lastErr error
	for attempt := 0; attempt < d.settings.DialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.settings.RetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		for _, addr := range d.book.Lookup(peer.ID) {
			url := "wss://" + addr + syncPath
			ws, resp, err := wsDialer.DialContext(ctx, url, nil)
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			if err != nil {
				if mismatch {
					return nil, fmt.Errorf("dial %s: %w", addr, ErrIdentityMismatch)
				}
				d.logger.Debug("dial attempt failed", "addr", addr, "error", err)
				lastErr = err
				continue
			}

			d.logger.Info("connected", "peer", peer.ID.String(), "addr", addr)
			return newConn(ws, peer.ID, true, d.settings, d.logger), nil
		}
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %v",
		ErrPeerUnreachable, peer.ID, d.settings.DialAttempts, lastErr)
}

// peerLeafID parses the peer leaf certificate and extracts its node id.
func peerLeafID(rawCerts [][]byte) (identity.NodeID, error) {
	if len(rawCerts) == 0 {
		return identity.NodeID{}, fmt.Errorf("transport: peer sent no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return identity.NodeID{}, fmt.Errorf("transport: parse peer certificate: %w", err)
	}
	return identity.NodeIDFromCert(leaf)
}
