package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/picorca/picsync/internal/identity"
)

// syncPath is the websocket endpoint streams are carried on.
const syncPath = "/sync"

// ConnHandler is called once per authenticated inbound connection.
type ConnHandler func(conn *Conn)

// Listener accepts inbound connections. It owns the address book for peers
// learned from live connections.
type Listener struct {
	identity *identity.Identity
	settings *Settings
	logger   *slog.Logger
	handler  ConnHandler
	book     *AddressBook

	httpServer *http.Server
	netLn      net.Listener
	addrs      []string
}

// NewListener creates a listener that hands inbound connections to handler.
func NewListener(id *identity.Identity, handler ConnHandler, book *AddressBook, settings *Settings, logger *slog.Logger) *Listener {
	return &Listener{
		identity: id,
		settings: settings,
		logger:   logger,
		handler:  handler,
		book:     book,
	}
}

// Listen starts accepting connections on listenAddr and returns the
// advertisable addresses plus the local identity, enough to build a join
// ticket.
func (l *Listener) Listen(ctx context.Context, listenAddr string) ([]string, identity.NodeID, error) {
	cert, err := l.identity.Certificate()
	if err != nil {
		return nil, identity.NodeID{}, err
	}

	tlsConf := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		// Клиентский сертификат обязателен; цепочка не проверяется,
		// личность извлекается из leaf после рукопожатия
		ClientAuth: tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := peerLeafID(rawCerts)
			return err
		},
	}

	netLn, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, identity.NodeID{}, fmt.Errorf("transport: listen on %s: %w", listenAddr, err)
	}
	l.netLn = netLn
	l.addrs = advertiseAddrs(netLn.Addr())

	mux := http.NewServeMux()
	mux.HandleFunc(syncPath, l.handleUpgrade)

	l.httpServer = &http.Server{
		Handler:           mux,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: l.settings.DialTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := l.httpServer.Serve(tls.NewListener(netLn, tlsConf)); err != nil && err != http.ErrServerClosed {
			l.logger.Error("listener stopped", "error", err)
		}
	}()

	l.logger.Info("listening", "addrs", l.addrs, "node_id", l.identity.NodeID().String())
	return l.addrs, l.identity.NodeID(), nil
}

// Addrs returns the advertisable addresses computed at Listen time.
func (l *Listener) Addrs() []string {
	out := make([]string, len(l.addrs))
	copy(out, l.addrs)
	return out
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	if l.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.httpServer.Shutdown(ctx)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}
	remote, err := identity.NodeIDFromCert(r.TLS.PeerCertificates[0])
	if err != nil {
		l.logger.Info("rejecting connection with unusable certificate", "error", err)
		http.Error(w, "bad client certificate", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Info("websocket upgrade failed", "error", err)
		return
	}

	l.book.Record(remote, r.RemoteAddr)
	conn := newConn(ws, remote, false, l.settings, l.logger)
	l.logger.Info("peer connected", "peer", remote.String(), "addr", r.RemoteAddr)
	l.handler(conn)
}

// advertiseAddrs expands an unspecified listen host into the machine's
// non-loopback addresses plus loopback, all with the bound port.
func advertiseAddrs(bound net.Addr) []string {
	tcpAddr, ok := bound.(*net.TCPAddr)
	if !ok {
		return []string{bound.String()}
	}
	if !tcpAddr.IP.IsUnspecified() {
		return []string{tcpAddr.String()}
	}

	port := fmt.Sprintf("%d", tcpAddr.Port)
	var addrs []string
	ifaceAddrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, ia := range ifaceAddrs {
			ipNet, ok := ia.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
				continue
			}
			addrs = append(addrs, net.JoinHostPort(ipNet.IP.String(), port))
		}
	}
	addrs = append(addrs, net.JoinHostPort("127.0.0.1", port))
	return addrs
}
