package transport

import (
	"context"
	"io"
	"sync"
)

// streamRecvBuffer messages buffered per stream before backpressure
const streamRecvBuffer = 16

// Stream is one logical message stream on a connection. Messages preserve
// boundaries and order within the stream.
type Stream struct {
	conn  *Conn
	id    uint32
	label string

	recv chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newStream(c *Conn, id uint32, label string) *Stream {
	return &Stream{
		conn:  c,
		id:    id,
		label: label,
		recv:  make(chan []byte, streamRecvBuffer),
		done:  make(chan struct{}),
	}
}

// Label returns the label the opener attached to the stream.
func (s *Stream) Label() string {
	return s.label
}

// Send writes one message to the stream.
func (s *Stream) Send(msg []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	return s.conn.writeEnvelope(&envelope{Stream: s.id, Op: opData, Data: msg})
}

// Receive reads the next message. Returns io.EOF after the peer closed the
// stream and all buffered messages are drained.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.recv:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	default:
	}

	select {
	case msg, ok := <-s.recv:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-s.done:
		return nil, ErrStreamClosed
	case <-s.conn.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the local side and notifies the peer.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.removeStream(s.id)
		err = s.conn.writeEnvelope(&envelope{Stream: s.id, Op: opClose})
	})
	return err
}

// deliver hands one inbound message to the stream. Called only from the
// connection read loop.
func (s *Stream) deliver(msg []byte) {
	select {
	case s.recv <- msg:
	case <-s.done:
	case <-s.conn.closed:
	}
}

// remoteClose marks the peer side closed. Called only from the connection
// read loop, which is the sole sender on recv.
func (s *Stream) remoteClose() {
	close(s.recv)
}
