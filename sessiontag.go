package proteus

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// sessionTagSize is the length, in bytes, of a SessionTag.
const sessionTagSize = 16

// SessionTag is an opaque, cryptographically random identifier for a
// ratchet branch within a Session. Its string form (lowercase hex, fixed
// length) is the canonical session_states map key.
type SessionTag [sessionTagSize]byte

// NewSessionTag draws a fresh random SessionTag from crypto/rand.
func NewSessionTag() (SessionTag, error) {
	return newSessionTagFrom(rand.Reader)
}

// newSessionTagFrom draws a fresh random SessionTag from r, letting tests
// and WithRandSource override the entropy source.
func newSessionTagFrom(r io.Reader) (SessionTag, error) {
	var t SessionTag
	if _, err := io.ReadFull(r, t[:]); err != nil {
		return SessionTag{}, fmt.Errorf("proteus: generating session tag: %w", err)
	}
	return t, nil
}

// String returns the canonical lowercase-hex map key for the tag.
func (t SessionTag) String() string {
	return hex.EncodeToString(t[:])
}

// Equal reports whether two tags are bytewise identical.
func (t SessionTag) Equal(other SessionTag) bool {
	return t == other
}

// Bytes returns the raw 16 bytes of the tag.
func (t SessionTag) Bytes() []byte {
	return t[:]
}

// sessionTagFromBytes parses a wire-encoded tag, which must be exactly
// sessionTagSize bytes.
func sessionTagFromBytes(b []byte) (SessionTag, error) {
	var t SessionTag
	if len(b) != sessionTagSize {
		return t, fmt.Errorf("proteus: invalid session tag length: %d", len(b))
	}
	copy(t[:], b)
	return t, nil
}
