package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/picorca/picsync/internal/identity"
)

// Envelope operations. One websocket message carries one envelope; message
// boundaries come from the websocket framing.
const (
	opOpen  uint8 = 1
	opData  uint8 = 2
	opClose uint8 = 3
)

// envelope multiplexes logical streams over one websocket connection.
type envelope struct {
	Stream uint32 `msgpack:"stream"`
	Op     uint8  `msgpack:"op"`
	Label  string `msgpack:"label,omitempty"`
	Data   []byte `msgpack:"data,omitempty"`
}

// Conn is an authenticated connection to one peer, carrying independent
// logical streams so concurrent sync sessions avoid head-of-line blocking on
// a single stream.
type Conn struct {
	ws     *websocket.Conn
	remote identity.NodeID
	logger *slog.Logger

	settings *Settings

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32

	accept chan *Stream

	closed    chan struct{}
	closeOnce sync.Once
}

// newConn wraps an established websocket connection. The dialing side uses
// odd stream ids, the accepting side even ones, so both can open streams
// without coordination.
func newConn(ws *websocket.Conn, remote identity.NodeID, dialer bool, settings *Settings, logger *slog.Logger) *Conn {
	firstID := uint32(2)
	if dialer {
		firstID = 1
	}
	c := &Conn{
		ws:       ws,
		remote:   remote,
		logger:   logger.With("peer", remote.String()),
		settings: settings,
		streams:  make(map[uint32]*Stream),
		nextID:   firstID,
		accept:   make(chan *Stream, settings.AcceptBacklog),
		closed:   make(chan struct{}),
	}

	ws.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

// RemoteID returns the authenticated identity of the peer.
func (c *Conn) RemoteID() identity.NodeID {
	return c.remote
}

// OpenStream opens a new logical stream labeled for the remote side.
func (c *Conn) OpenStream(label string) (*Stream, error) {
	select {
	case <-c.closed:
		return nil, ErrConnClosed
	default:
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID += 2
	s := newStream(c, id, label)
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.writeEnvelope(&envelope{Stream: id, Op: opOpen, Label: label}); err != nil {
		c.removeStream(id)
		return nil, err
	}
	return s, nil
}

// AcceptStream waits for the peer to open a stream.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-c.accept:
		return s, nil
	case <-c.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close aborts all streams and closes the underlying connection. In-flight
// sync sessions on this connection fail; partially applied entries remain
// valid and the next session completes the remaining delta.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) writeEnvelope(env *envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.Close()
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("connection read failed", "error", err)
			}
			return
		}

		env := &envelope{}
		if err := msgpack.Unmarshal(data, env); err != nil {
			c.logger.Info("dropping undecodable envelope", "error", err)
			continue
		}

		switch env.Op {
		case opOpen:
			s := newStream(c, env.Stream, env.Label)
			c.mu.Lock()
			c.streams[env.Stream] = s
			c.mu.Unlock()
			select {
			case c.accept <- s:
			case <-c.closed:
				return
			}
		case opData:
			c.mu.Lock()
			s := c.streams[env.Stream]
			c.mu.Unlock()
			if s == nil {
				continue
			}
			s.deliver(env.Data)
		case opClose:
			c.mu.Lock()
			s := c.streams[env.Stream]
			delete(c.streams, env.Stream)
			c.mu.Unlock()
			if s != nil {
				s.remoteClose()
			}
		default:
			c.logger.Info("dropping envelope with unknown op", "op", env.Op)
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}
