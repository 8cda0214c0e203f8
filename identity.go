package proteus

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IdentityKeyPair is the long-term asymmetric key pair owned by the local
// party. In this simplified X3DH (SPEC_FULL.md §4) it is a Suite key pair
// like any ratchet key pair; it is simply never discarded after a single
// handshake the way an ephemeral base key is.
type IdentityKeyPair struct {
	suite Suite
	priv  KeyPair
}

// GenerateIdentityKeyPair creates a fresh long-term identity key pair under
// the given Suite.
func GenerateIdentityKeyPair(suite Suite) (IdentityKeyPair, error) {
	priv, err := suite.Generate(rand.Reader)
	if err != nil {
		return IdentityKeyPair{}, fmt.Errorf("proteus: generating identity key pair: %w", err)
	}
	return IdentityKeyPair{suite: suite, priv: priv}, nil
}

// Public returns the public half of the identity key pair.
func (kp IdentityKeyPair) Public() IdentityKey {
	return IdentityKey{pub: kp.suite.Public(kp.priv)}
}

// Fingerprint returns a stable textual digest of the identity key pair's
// public half, suitable for equality checks and user-facing pinning.
func (kp IdentityKeyPair) Fingerprint() string {
	return kp.Public().Fingerprint()
}

// IdentityKey is the public half of a remote party's identity key pair.
type IdentityKey struct {
	pub PublicKey
}

// NewIdentityKey wraps a raw public key as a remote identity.
func NewIdentityKey(pub PublicKey) IdentityKey {
	return IdentityKey{pub: append(PublicKey(nil), pub...)}
}

// Public returns the raw public key bytes.
func (k IdentityKey) Public() PublicKey {
	return k.pub
}

// Fingerprint returns a stable textual digest of the public key, used for
// equality and pinning (spec §3, §4.6.2, §4.7).
func (k IdentityKey) Fingerprint() string {
	sum := sha256.Sum256(k.pub)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two identity keys have the same fingerprint.
func (k IdentityKey) Equal(other IdentityKey) bool {
	return k.Fingerprint() == other.Fingerprint()
}
