package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/picorca/picsync/internal/models"
	"github.com/picorca/picsync/internal/store"
)

// Responder answers one initiator session on one stream. It is stateless
// between messages except for the session setup, so a dropped stream leaves
// nothing to clean up.
type Responder struct {
	store    store.Store
	stream   MessageStream
	settings *Settings
	logger   *slog.Logger

	kind    models.Kind
	greeted bool
}

// Respond serves one sync session on the stream until the initiator
// finishes or the stream closes.
func Respond(ctx context.Context, st store.Store, stream MessageStream, settings *Settings, logger *slog.Logger) error {
	r := &Responder{
		store:    st,
		stream:   stream,
		settings: settings,
		logger:   logger,
	}
	return r.run(ctx)
}

func (r *Responder) run(ctx context.Context) error {
	defer r.stream.Close()

	for {
		data, err := r.stream.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		msg, err := decodeMessage(data)
		if err != nil {
			return err
		}

		done, err := r.handle(ctx, msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (r *Responder) handle(ctx context.Context, msg *message) (bool, error) {
	if !r.greeted && msg.Type != msgHello {
		return false, fmt.Errorf("%w: message type %d before hello", ErrProtocol, msg.Type)
	}

	switch msg.Type {
	case msgHello:
		return false, r.handleHello(msg)
	case msgFingerprint:
		return r.handleFingerprint(ctx, msg)
	case msgRangeCheck:
		return false, r.handleRangeCheck(ctx, msg)
	case msgReconcile:
		return false, r.handleReconcile(ctx, msg)
	case msgFinish:
		return true, r.handleFinish(ctx, msg)
	default:
		return false, fmt.Errorf("%w: unexpected message type %d", ErrProtocol, msg.Type)
	}
}

func (r *Responder) handleHello(msg *message) error {
	hello := &helloMsg{}
	if err := decodeBody(msg, hello); err != nil {
		return err
	}

	kind := models.Kind(hello.Kind)
	switch {
	case hello.Namespace != r.store.Namespace():
		// Чужой namespace - это другой dataset
		r.logger.Info("refusing session for foreign namespace", "session", hello.Session)
		return r.send(msgHelloAck, &helloAckMsg{Accept: false, Reason: "unknown namespace"})
	case !kind.Valid():
		r.logger.Info("refusing session for unknown kind", "session", hello.Session, "kind", hello.Kind)
		return r.send(msgHelloAck, &helloAckMsg{Accept: false, Reason: fmt.Sprintf("unknown kind %q", hello.Kind)})
	}

	r.kind = kind
	r.greeted = true
	r.logger = r.logger.With("session", hello.Session, "kind", hello.Kind)
	return r.send(msgHelloAck, &helloAckMsg{Accept: true})
}

func (r *Responder) handleFingerprint(ctx context.Context, msg *message) (bool, error) {
	fp := &fingerprintMsg{}
	if err := decodeBody(msg, fp); err != nil {
		return false, err
	}

	local, err := r.store.Fingerprint(ctx, r.kind)
	if err != nil {
		return false, err
	}
	equal := local.Equal(fp.Digest)
	if err := r.send(msgFingerprintAck, &fingerprintAckMsg{Equal: equal, Digest: local}); err != nil {
		return false, err
	}
	// При равных fingerprint сессия завершена без передачи данных
	return equal, nil
}

func (r *Responder) handleRangeCheck(ctx context.Context, msg *message) error {
	check := &rangeCheckMsg{}
	if err := decodeBody(msg, check); err != nil {
		return err
	}

	local, err := r.store.RangeDigest(ctx, r.kind, check.Start, check.End)
	if err != nil {
		return err
	}
	if local.Equal(check.Digest) {
		return r.send(msgRangeEqual, &struct{}{})
	}

	items, err := r.store.RangeItems(ctx, r.kind, check.Start, check.End)
	if err != nil {
		return err
	}

	// Маленькие партиции разрешаются полным перечнем, большие делятся
	// пополам по медианному элементу
	if len(items) <= r.settings.SplitThreshold {
		listing := make([]itemInfo, 0, len(items))
		for _, item := range items {
			listing = append(listing, itemInfo{Key: item.Key, Version: item.Version})
		}
		return r.send(msgRangeItems, &rangeItemsMsg{Items: listing})
	}

	mid := items[len(items)/2].Key
	ranges := []keyRange{
		{start: check.Start, end: mid},
		{start: mid, end: check.End},
	}
	split := &rangeSplitMsg{}
	for _, sub := range ranges {
		digest, err := r.store.RangeDigest(ctx, r.kind, sub.start, sub.end)
		if err != nil {
			return err
		}
		split.Ranges = append(split.Ranges, rangeInfo{Start: sub.start, End: sub.end, Digest: digest})
	}
	return r.send(msgRangeSplit, split)
}

func (r *Responder) handleReconcile(ctx context.Context, msg *message) error {
	rec := &reconcileMsg{}
	if err := decodeBody(msg, rec); err != nil {
		return err
	}

	for _, entry := range rec.Entries {
		if _, err := r.store.ApplyRemote(ctx, r.kind, entry); err != nil {
			return err
		}
	}

	resp := &entriesMsg{Entries: []*models.Entry{}}
	for _, key := range rec.Want {
		entry, err := r.store.GetItem(ctx, r.kind, key)
		if err != nil {
			if errors.Is(err, store.ErrEntryNotFound) {
				continue
			}
			return err
		}
		resp.Entries = append(resp.Entries, entry)
	}
	return r.send(msgEntries, resp)
}

func (r *Responder) handleFinish(ctx context.Context, msg *message) error {
	fin := &finishMsg{}
	if err := decodeBody(msg, fin); err != nil {
		return err
	}

	local, err := r.store.Fingerprint(ctx, r.kind)
	if err != nil {
		return err
	}
	equal := local.Equal(fin.Digest)
	if !equal {
		r.logger.Info("fingerprints still disagree after reconciliation",
			"local", local.String(), "remote", fin.Digest.String())
	}
	return r.send(msgFinishAck, &finishAckMsg{Equal: equal})
}

func (r *Responder) send(msgType uint8, body any) error {
	data, err := encodeMessage(msgType, body)
	if err != nil {
		return err
	}
	return r.stream.Send(data)
}
