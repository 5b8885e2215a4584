package models

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/picorca/picsync/internal/identity"
)

// Kind identifies one replicated collection of entries.
type Kind string

const (
	// KindImage collection of image entries
	KindImage Kind = "images"
	// KindFolder collection of folder entries
	KindFolder Kind = "folders"
)

// Kinds lists all replicated collections in a stable order.
func Kinds() []Kind {
	return []Kind{KindImage, KindFolder}
}

// Valid reports whether k names a known collection.
func (k Kind) Valid() bool {
	return k == KindImage || k == KindFolder
}

// Entry is the atomic unit of replicated state. An entry is immutable once
// created; an update is a new entry with an incremented version for the same
// (author, key). For a fixed (author, key) only the entry with the highest
// version is live.
type Entry struct {
	Author    identity.NodeID `msgpack:"author"`    // Author идентификатор узла, создавшего запись
	Key       string          `msgpack:"key"`       // Key имя записи (например, имя файла или папки)
	Value     []byte          `msgpack:"value"`     // Value содержимое записи
	Version   uint64          `msgpack:"version"`   // Version монотонно растущая версия для (author, key)
	Timestamp int64           `msgpack:"timestamp"` // Timestamp время записи (unix nano), не участвует в ordering
}

// ItemKey is the ordering key of an entry inside a kind: the fixed-length
// author bytes followed by the application key. Byte order over item keys is
// the range order used by reconciliation.
func (e *Entry) ItemKey() []byte {
	return MakeItemKey(e.Author, e.Key)
}

// MakeItemKey builds the ordering key for (author, key).
func MakeItemKey(author identity.NodeID, key string) []byte {
	ik := make([]byte, 0, len(author)+len(key))
	ik = append(ik, author[:]...)
	ik = append(ik, key...)
	return ik
}

// SplitItemKey recovers (author, key) from an item key.
func SplitItemKey(ik []byte) (identity.NodeID, string, error) {
	var author identity.NodeID
	if len(ik) < len(author) {
		return author, "", fmt.Errorf("models: item key too short: %d bytes", len(ik))
	}
	copy(author[:], ik[:len(author)])
	return author, string(ik[len(author):]), nil
}

// ItemHash is the per-entry hash folded into collection fingerprints. It
// covers the (author, key, version) triple: per-author version counters make
// the triple identify the entry content.
func (e *Entry) ItemHash() [32]byte {
	var buf bytes.Buffer
	buf.Write(e.Author[:])
	var klen [8]byte
	binary.BigEndian.PutUint64(klen[:], uint64(len(e.Key)))
	buf.Write(klen[:])
	buf.WriteString(e.Key)
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], e.Version)
	buf.Write(ver[:])
	return blake2b.Sum256(buf.Bytes())
}

// Encode serializes the entry with msgpack.
func (e *Entry) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("models: encode entry: %w", err)
	}
	return data, nil
}

// DecodeEntry deserializes an entry encoded with Encode.
func DecodeEntry(data []byte) (*Entry, error) {
	entry := &Entry{}
	if err := msgpack.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("models: decode entry: %w", err)
	}
	return entry, nil
}

// Supersedes reports whether e replaces other for the same (author, key).
// Higher version wins. Two distinct entries with equal versions should not
// happen (each author is the sole writer of its own versions); if they ever
// do, the higher full byte encoding wins, so both sides resolve the same way.
func (e *Entry) Supersedes(other *Entry) bool {
	if other == nil {
		return true
	}
	if e.Version != other.Version {
		return e.Version > other.Version
	}
	enc, err := e.Encode()
	if err != nil {
		return false
	}
	otherEnc, err := other.Encode()
	if err != nil {
		return true
	}
	return bytes.Compare(enc, otherEnc) > 0
}

// Clone makes a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	value := make([]byte, len(e.Value))
	copy(value, e.Value)
	return &Entry{
		Author:    e.Author,
		Key:       e.Key,
		Value:     value,
		Version:   e.Version,
		Timestamp: e.Timestamp,
	}
}
