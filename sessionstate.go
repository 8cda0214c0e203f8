package proteus

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// SessionState is the per-branch ratchet collaborator Session drives (spec
// §6.3): it owns one ratchet branch's cryptographic state and exposes
// encrypt/decrypt/serialise/deserialise plus the two handshake factories.
//
// SessionState is deliberately the thinnest possible wrapper around the
// ratchet engine (ratchet.go) — everything cryptographic lives there;
// this type only adds the suite selection and skipped-key cache needed to
// make that engine usable as a standalone, persistable collaborator.
type SessionState struct {
	suite Suite
	state *ratchetState
	skip  skipStore
}

// wireSessionState is the flat, cbor-serialisable projection of a
// SessionState used by SessionState.Serialise/Deserialise.
type wireSessionState struct {
	DHs KeyPair
	DHr PublicKey
	RK  RootKey
	CKs ChainKey
	CKr ChainKey
	Ns  int
	Nr  int
	PN  int
}

// initAsAlice builds a ratchet branch for the party initiating a session
// from a remote prekey bundle (spec §4.2.1, key schedule in SPEC_FULL.md
// §4).
func initAsAlice(suite Suite, localIdentity IdentityKeyPair, aliceBase KeyPair, bundle PreKeyBundle) (*SessionState, error) {
	dhA, err := suite.DH(localIdentity.priv, bundle.PreKeyPublic)
	if err != nil {
		return nil, fmt.Errorf("proteus: alice dhA: %w", err)
	}
	dhB, err := suite.DH(aliceBase, bundle.IdentityKey.Public())
	if err != nil {
		return nil, fmt.Errorf("proteus: alice dhB: %w", err)
	}
	sk := combineSharedSecret(dhA, dhB)

	dh1, err := suite.DH(aliceBase, bundle.PreKeyPublic)
	if err != nil {
		return nil, fmt.Errorf("proteus: alice dh1: %w", err)
	}
	rk, cks := suite.KDFrk(sk, dh1)

	st := &ratchetState{
		DHs: aliceBase,
		DHr: bundle.PreKeyPublic,
		RK:  rk,
		CKs: cks,
	}
	return &SessionState{suite: suite, state: st, skip: newMemSkipStore()}, nil
}

// initAsBob builds a ratchet branch for the party responding to an inbound
// prekey handshake (spec §4.2.3, key schedule in SPEC_FULL.md §4).
func initAsBob(suite Suite, localIdentity IdentityKeyPair, ourPreKey KeyPair, remoteIdentityKey IdentityKey, remoteBaseKey PublicKey) (*SessionState, error) {
	dhA, err := suite.DH(ourPreKey, remoteIdentityKey.Public())
	if err != nil {
		return nil, fmt.Errorf("proteus: bob dhA: %w", err)
	}
	dhB, err := suite.DH(localIdentity.priv, remoteBaseKey)
	if err != nil {
		return nil, fmt.Errorf("proteus: bob dhB: %w", err)
	}
	sk := combineSharedSecret(dhA, dhB)

	st := &ratchetState{
		DHs: ourPreKey,
		RK:  sk,
	}
	return &SessionState{suite: suite, state: st, skip: newMemSkipStore()}, nil
}

func newMemSkipStore() *memSkipStore {
	return &memSkipStore{maxSkip: defaultMaxSkip}
}

// combineSharedSecret folds the X3DH-style DH terms into the root secret
// handed to the first KDF_RK step. Plain concatenation is safe here because
// KDFrk/KDFck always re-key via HKDF/HMAC before use.
func combineSharedSecret(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Encrypt encrypts plaintext, embedding a PreKeyMessage wrapper iff pending
// is non-nil (spec §4.5).
func (s *SessionState) Encrypt(localIdentityPub IdentityKey, pending *PendingPreKey, tag SessionTag, plaintext []byte) (Envelope, error) {
	ad := tag.Bytes()
	msg, err := s.state.seal(s.suite, plaintext, ad)
	if err != nil {
		return Envelope{}, err
	}
	cipher := toWireCipherMessage(tag, msg.Header, msg.Ciphertext)
	if pending == nil {
		return NewCipherEnvelope(cipher), nil
	}
	return NewPreKeyEnvelope(PreKeyMessage{
		PreKeyID:    pending.PreKeyID,
		BaseKey:     pending.BaseKey,
		IdentityKey: localIdentityPub,
		Message:     cipher,
	}), nil
}

// Decrypt decrypts msg, advancing the branch's ratchet state on success.
// Per spec §4.6.1 the caller is responsible for cloning before calling this
// when atomicity-on-failure must be preserved.
func (s *SessionState) Decrypt(msg CipherMessage) ([]byte, error) {
	h := toInternalHeader(msg.RatchetKey, msg.PreviousCounter, msg.Counter)
	return s.state.open(s.suite, s.skip, message{Header: h, Ciphertext: msg.CipherText}, msg.SessionTag.Bytes())
}

// clone deep-copies a SessionState, used by Session._decrypt_cipher_message
// (spec §4.6.1) to make decrypt failures non-destructive.
func (s *SessionState) clone() *SessionState {
	skip := s.skip
	if m, ok := s.skip.(*memSkipStore); ok {
		keys := make(map[string][]byte, len(m.keys))
		for k, v := range m.keys {
			keys[k] = append([]byte(nil), v...)
		}
		skip = &memSkipStore{maxSkip: m.maxSkip, keys: keys}
	}
	return &SessionState{
		suite: s.suite,
		state: s.state.clone(),
		skip:  skip,
	}
}

// wipeState zeroizes this branch's sensitive material (used on eviction,
// spec §4.4).
func (s *SessionState) wipeState() {
	s.state.wipe()
}

// Serialise encodes the ratchet branch to its canonical binary form.
func (s *SessionState) Serialise() ([]byte, error) {
	w := wireSessionState{
		DHs: s.state.DHs,
		DHr: s.state.DHr,
		RK:  s.state.RK,
		CKs: s.state.CKs,
		CKr: s.state.CKr,
		Ns:  s.state.Ns,
		Nr:  s.state.Nr,
		PN:  s.state.PN,
	}
	return cbor.Marshal(w)
}

// DeserialiseSessionState decodes a ratchet branch previously produced by
// Serialise, under the given Suite.
func DeserialiseSessionState(suite Suite, data []byte) (*SessionState, error) {
	var w wireSessionState
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, newDecodeError(DecodeErrorGeneric, "", "malformed session state", err)
	}
	st := &ratchetState{
		DHs: w.DHs,
		DHr: w.DHr,
		RK:  w.RK,
		CKs: w.CKs,
		CKr: w.CKr,
		Ns:  w.Ns,
		Nr:  w.Nr,
		PN:  w.PN,
	}
	return &SessionState{suite: suite, state: st, skip: newMemSkipStore()}, nil
}
