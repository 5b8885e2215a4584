// Package syncer implements the set-reconciliation protocol that converges
// two replicas of one kind. A cheap fingerprint exchange short-circuits the
// common already-converged case; divergent replicas narrow the delta by
// recursively partitioning item-key ranges, so only the differing entries
// travel.
package syncer

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionRefused returned when the responder rejects the session
	// (unknown kind or foreign namespace)
	ErrSessionRefused = errors.New("sync session refused")

	// ErrReconciliationIncomplete returned when the final fingerprint
	// re-check disagrees after a claimed convergence. The session is safe to
	// retry: ApplyRemote is idempotent and Put never loses data.
	ErrReconciliationIncomplete = errors.New("reconciliation incomplete")

	// ErrProtocol returned on a message the protocol does not allow in the
	// current state
	ErrProtocol = errors.New("sync protocol violation")
)

// State of a sync session per (peer, kind).
type State int

const (
	StateIdle State = iota
	StateFingerprintExchanged
	StateReconciling
	StateConverged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFingerprintExchanged:
		return "fingerprint_exchanged"
	case StateReconciling:
		return "reconciling"
	case StateConverged:
		return "converged"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MessageStream is the logical stream a session runs on. Satisfied by
// transport.Stream; tests use in-memory pairs.
type MessageStream interface {
	Send(msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Settings tunes the reconciliation engine.
type Settings struct {
	// SplitThreshold is the range size at or below which the responder
	// answers with a full item listing instead of splitting further.
	SplitThreshold int

	// ReceiveTimeout bounds each wait for the next protocol message.
	ReceiveTimeout time.Duration
}

// DefaultSettings returns the engine defaults.
func DefaultSettings() *Settings {
	return &Settings{
		SplitThreshold: 16,
		ReceiveTimeout: 30 * time.Second,
	}
}
