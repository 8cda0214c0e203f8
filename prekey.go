package proteus

import "math"

// MaxPreKeyID is a sentinel prekey_id meaning "this is the last-resort
// prekey" — it is never deleted from a PreKeyStore and is reused only once
// a party has exhausted its one-time prekeys.
const MaxPreKeyID = uint16(math.MaxUint16)

// PreKeyBundle is a remote-published prekey, as fetched from a prekey
// server before initiating a session.
type PreKeyBundle struct {
	PreKeyID     uint16
	PreKeyPublic PublicKey
	IdentityKey  IdentityKey
}

// PreKey is a locally stored one-time (or last-resort) prekey.
type PreKey struct {
	ID      uint16
	KeyPair KeyPair
}

// PreKeyStore is the external, mutable prekey persistence collaborator
// (spec §6.2). Implementations may suspend (I/O); DeletePreKey errors
// propagate to the caller, LoadPreKey treats "not found" as a nil return
// rather than an error.
type PreKeyStore interface {
	// LoadPreKey returns the prekey with the given id, or nil if absent.
	LoadPreKey(id uint16) (*PreKey, error)
	// DeletePreKey removes the prekey with the given id. Errors propagate.
	DeletePreKey(id uint16) error
}

// PendingPreKey describes an as-yet-unconfirmed Alice-initiated handshake:
// the remote one-time prekey id consumed and the local ephemeral base
// public key sent alongside it. It is cleared on first successful decrypt.
type PendingPreKey struct {
	PreKeyID uint16
	BaseKey  PublicKey
}
