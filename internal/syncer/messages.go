package syncer

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/picorca/picsync/internal/models"
	"github.com/picorca/picsync/internal/store"
)

// Message types of the reconciliation protocol. The initiator drives the
// exchange; the responder answers one message at a time.
const (
	msgHello          uint8 = 1
	msgHelloAck       uint8 = 2
	msgFingerprint    uint8 = 3
	msgFingerprintAck uint8 = 4
	msgRangeCheck     uint8 = 5
	msgRangeEqual     uint8 = 6
	msgRangeSplit     uint8 = 7
	msgRangeItems     uint8 = 8
	msgReconcile      uint8 = 9
	msgEntries        uint8 = 10
	msgFinish         uint8 = 11
	msgFinishAck      uint8 = 12
)

// message is the envelope every protocol message travels in.
type message struct {
	Type uint8              `msgpack:"type"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// helloMsg opens a session for one kind of one namespace.
type helloMsg struct {
	Session   string   `msgpack:"session"`
	Namespace [32]byte `msgpack:"namespace"`
	Kind      string   `msgpack:"kind"`
}

type helloAckMsg struct {
	Accept bool   `msgpack:"accept"`
	Reason string `msgpack:"reason,omitempty"`
}

type fingerprintMsg struct {
	Digest store.Digest `msgpack:"digest"`
}

type fingerprintAckMsg struct {
	Equal  bool         `msgpack:"equal"`
	Digest store.Digest `msgpack:"digest"`
}

// rangeCheckMsg asks the responder to compare one item-key range.
type rangeCheckMsg struct {
	Start  []byte       `msgpack:"start"`
	End    []byte       `msgpack:"end"`
	Digest store.Digest `msgpack:"digest"`
}

// rangeInfo is one sub-range with the responder's digest for it.
type rangeInfo struct {
	Start  []byte       `msgpack:"start"`
	End    []byte       `msgpack:"end"`
	Digest store.Digest `msgpack:"digest"`
}

type rangeSplitMsg struct {
	Ranges []rangeInfo `msgpack:"ranges"`
}

// itemInfo summarizes one live entry without its value.
type itemInfo struct {
	Key     []byte `msgpack:"key"`
	Version uint64 `msgpack:"version"`
}

type rangeItemsMsg struct {
	Items []itemInfo `msgpack:"items"`
}

// reconcileMsg pushes entries the responder is missing and requests the item
// keys the initiator is missing.
type reconcileMsg struct {
	Entries []*models.Entry `msgpack:"entries"`
	Want    [][]byte        `msgpack:"want"`
}

type entriesMsg struct {
	Entries []*models.Entry `msgpack:"entries"`
}

type finishMsg struct {
	Digest store.Digest `msgpack:"digest"`
}

type finishAckMsg struct {
	Equal bool `msgpack:"equal"`
}

func encodeMessage(msgType uint8, body any) ([]byte, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("syncer: encode message body: %w", err)
	}
	data, err := msgpack.Marshal(&message{Type: msgType, Body: raw})
	if err != nil {
		return nil, fmt.Errorf("syncer: encode message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (*message, error) {
	msg := &message{}
	if err := msgpack.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("syncer: decode message: %w", err)
	}
	return msg, nil
}

func decodeBody(msg *message, body any) error {
	if err := msgpack.Unmarshal(msg.Body, body); err != nil {
		return fmt.Errorf("syncer: decode message body: %w", err)
	}
	return nil
}
