package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/blake2b"
)

func hashOf(s string) [32]byte {
	return blake2b.Sum256([]byte(s))
}

func TestDigest_OrderIndependent(t *testing.T) {
	var forward, backward Digest

	hashes := [][32]byte{hashOf("a"), hashOf("b"), hashOf("c")}
	for _, h := range hashes {
		forward.Add(h)
	}
	for i := len(hashes) - 1; i >= 0; i-- {
		backward.Add(hashes[i])
	}

	assert.True(t, forward.Equal(backward))
}

func TestDigest_DistinguishesSets(t *testing.T) {
	var a, b Digest
	a.Add(hashOf("a"))
	a.Add(hashOf("b"))
	b.Add(hashOf("a"))
	b.Add(hashOf("c"))

	assert.False(t, a.Equal(b))
}

func TestDigest_CountDistinguishesSubsets(t *testing.T) {
	var full, partial Digest
	full.Add(hashOf("a"))
	full.Add(hashOf("b"))
	partial.Add(hashOf("a"))

	assert.False(t, full.Equal(partial))
}

func TestDigest_EmptyEqualsEmpty(t *testing.T) {
	var a, b Digest
	assert.True(t, a.Equal(b))
	assert.Equal(t, uint64(0), a.Count)
}

func TestInRange(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		start    string
		end      string
		openEnd  bool
		expected bool
	}{
		{name: "open range contains everything", key: "m", openEnd: true, expected: true},
		{name: "inside bounds", key: "m", start: "a", end: "z", expected: true},
		{name: "at start is inside", key: "a", start: "a", end: "z", expected: true},
		{name: "at end is outside", key: "z", start: "a", end: "z", expected: false},
		{name: "before start", key: "0", start: "a", end: "z", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var start, end []byte
			if tt.start != "" {
				start = []byte(tt.start)
			}
			if !tt.openEnd {
				end = []byte(tt.end)
			}
			assert.Equal(t, tt.expected, InRange([]byte(tt.key), start, end))
		})
	}
}
