package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/picorca/picsync/internal/models"
	"github.com/picorca/picsync/internal/store"
)

// Stats counts what a session actually moved, for logs and tests.
type Stats struct {
	EntriesSent     int
	EntriesReceived int
	RangesChecked   int
}

// keyRange is one work-list element of the iterative reconciliation:
// item keys in [start, end), nil bounds meaning open ends.
type keyRange struct {
	start []byte
	end   []byte
}

// Session is the initiator side of one (peer, kind) sync exchange.
type Session struct {
	id       string
	kind     models.Kind
	store    store.Store
	stream   MessageStream
	settings *Settings
	logger   *slog.Logger

	state State
	stats Stats
}

// Initiate runs a full sync session for one kind over the given stream and
// returns the transfer stats. The session drives the responder on the other
// side of the stream until both replicas converge.
func Initiate(ctx context.Context, st store.Store, kind models.Kind, stream MessageStream, settings *Settings, logger *slog.Logger) (Stats, error) {
	id := uuid.NewString()
	s := &Session{
		id:       id,
		kind:     kind,
		store:    st,
		stream:   stream,
		settings: settings,
		logger:   logger.With("session", id, "kind", string(kind)),
		state:    StateIdle,
	}
	err := s.run(ctx)
	return s.stats, err
}

// State returns the current session state.
func (s *Session) State() State {
	return s.state
}

func (s *Session) run(ctx context.Context) error {
	defer s.stream.Close()

	if err := s.hello(ctx); err != nil {
		return s.fail(err)
	}

	equal, err := s.exchangeFingerprints(ctx)
	if err != nil {
		return s.fail(err)
	}
	if equal {
		// Реплики уже сходятся - данные не передаются
		s.transition(StateConverged)
		return nil
	}

	if err := s.reconcile(ctx); err != nil {
		return s.fail(err)
	}

	if err := s.finish(ctx); err != nil {
		return s.fail(err)
	}

	s.transition(StateConverged)
	s.logger.Info("sync session converged",
		"sent", s.stats.EntriesSent,
		"received", s.stats.EntriesReceived,
		"ranges", s.stats.RangesChecked)
	return nil
}

func (s *Session) hello(ctx context.Context) error {
	hello := &helloMsg{
		Session:   s.id,
		Namespace: s.store.Namespace(),
		Kind:      string(s.kind),
	}
	if err := s.send(msgHello, hello); err != nil {
		return err
	}

	ack := &helloAckMsg{}
	if err := s.expect(ctx, msgHelloAck, ack); err != nil {
		return err
	}
	if !ack.Accept {
		return fmt.Errorf("%w: %s", ErrSessionRefused, ack.Reason)
	}
	return nil
}

func (s *Session) exchangeFingerprints(ctx context.Context) (bool, error) {
	local, err := s.store.Fingerprint(ctx, s.kind)
	if err != nil {
		return false, err
	}
	if err := s.send(msgFingerprint, &fingerprintMsg{Digest: local}); err != nil {
		return false, err
	}

	ack := &fingerprintAckMsg{}
	if err := s.expect(ctx, msgFingerprintAck, ack); err != nil {
		return false, err
	}

	s.transition(StateFingerprintExchanged)
	if !ack.Equal {
		s.logger.Debug("fingerprints differ", "local", local.String(), "remote", ack.Digest.String())
	}
	return ack.Equal, nil
}

// reconcile walks the iterative work list of key ranges, recursing only into
// mismatched partitions.
func (s *Session) reconcile(ctx context.Context) error {
	s.transition(StateReconciling)

	work := []keyRange{{start: nil, end: nil}}
	for len(work) > 0 {
		r := work[0]
		work = work[1:]
		s.stats.RangesChecked++

		digest, err := s.store.RangeDigest(ctx, s.kind, r.start, r.end)
		if err != nil {
			return err
		}
		if err := s.send(msgRangeCheck, &rangeCheckMsg{Start: r.start, End: r.end, Digest: digest}); err != nil {
			return err
		}

		resp, err := s.recv(ctx)
		if err != nil {
			return err
		}

		switch resp.Type {
		case msgRangeEqual:
			// Партиция совпадает, дальше не спускаемся

		case msgRangeSplit:
			split := &rangeSplitMsg{}
			if err := decodeBody(resp, split); err != nil {
				return err
			}
			for _, sub := range split.Ranges {
				localDigest, err := s.store.RangeDigest(ctx, s.kind, sub.Start, sub.End)
				if err != nil {
					return err
				}
				if !localDigest.Equal(sub.Digest) {
					work = append(work, keyRange{start: sub.Start, end: sub.End})
				}
			}

		case msgRangeItems:
			items := &rangeItemsMsg{}
			if err := decodeBody(resp, items); err != nil {
				return err
			}
			if err := s.reconcileItems(ctx, r, items.Items); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: unexpected message type %d while reconciling", ErrProtocol, resp.Type)
		}
	}
	return nil
}

// reconcileItems resolves one small range from the responder's item listing:
// push entries it is missing or holds at a lower version, request the ones
// we are missing.
func (s *Session) reconcileItems(ctx context.Context, r keyRange, remoteItems []itemInfo) error {
	localItems, err := s.store.RangeItems(ctx, s.kind, r.start, r.end)
	if err != nil {
		return err
	}

	remote := make(map[string]uint64, len(remoteItems))
	for _, item := range remoteItems {
		remote[string(item.Key)] = item.Version
	}
	local := make(map[string]uint64, len(localItems))
	for _, item := range localItems {
		local[string(item.Key)] = item.Version
	}

	var push []*models.Entry
	for _, item := range localItems {
		remoteVersion, ok := remote[string(item.Key)]
		if ok && remoteVersion >= item.Version {
			continue
		}
		entry, err := s.store.GetItem(ctx, s.kind, item.Key)
		if err != nil {
			return err
		}
		push = append(push, entry)
	}

	var want [][]byte
	for _, item := range remoteItems {
		localVersion, ok := local[string(item.Key)]
		if ok && localVersion >= item.Version {
			continue
		}
		want = append(want, item.Key)
	}

	if err := s.send(msgReconcile, &reconcileMsg{Entries: push, Want: want}); err != nil {
		return err
	}
	s.stats.EntriesSent += len(push)

	entries := &entriesMsg{}
	if err := s.expect(ctx, msgEntries, entries); err != nil {
		return err
	}
	for _, entry := range entries.Entries {
		// Защита от записей вне запрошенного диапазона
		if !store.InRange(entry.ItemKey(), r.start, r.end) {
			s.logger.Info("dropping out-of-range entry", "key", entry.Key)
			continue
		}
		applied, err := s.store.ApplyRemote(ctx, s.kind, entry)
		if err != nil {
			return err
		}
		if applied {
			s.stats.EntriesReceived++
		}
	}
	return nil
}

// finish re-checks the full fingerprint after reconciliation. Disagreement
// here means concurrent local writes during the session or a bug; the caller
// retries the whole session.
func (s *Session) finish(ctx context.Context) error {
	final, err := s.store.Fingerprint(ctx, s.kind)
	if err != nil {
		return err
	}
	if err := s.send(msgFinish, &finishMsg{Digest: final}); err != nil {
		return err
	}

	ack := &finishAckMsg{}
	if err := s.expect(ctx, msgFinishAck, ack); err != nil {
		return err
	}
	if !ack.Equal {
		return ErrReconciliationIncomplete
	}
	return nil
}

func (s *Session) transition(next State) {
	s.logger.Debug("session state", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *Session) fail(err error) error {
	s.transition(StateFailed)
	return err
}

func (s *Session) send(msgType uint8, body any) error {
	data, err := encodeMessage(msgType, body)
	if err != nil {
		return err
	}
	return s.stream.Send(data)
}

func (s *Session) recv(ctx context.Context) (*message, error) {
	recvCtx, cancel := context.WithTimeout(ctx, s.settings.ReceiveTimeout)
	defer cancel()

	data, err := s.stream.Receive(recvCtx)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

func (s *Session) expect(ctx context.Context, msgType uint8, body any) error {
	msg, err := s.recv(ctx)
	if err != nil {
		return err
	}
	if msg.Type != msgType {
		return fmt.Errorf("%w: expected message type %d, got %d", ErrProtocol, msgType, msg.Type)
	}
	return decodeBody(msg, body)
}
