package proteus

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxSessionStates bounds the number of concurrent ratchet branches a
// Session retains (spec §3 invariant 1).
const MaxSessionStates = 100

// sessionStateEntry wraps a ratchet branch with its insertion index and
// owning tag (spec §2, SessionStateEntry).
type sessionStateEntry struct {
	idx   uint64
	tag   SessionTag
	state *SessionState
}

// Session is the Proteus session state machine: local identity, remote
// identity, the current ratchet branch tag, an optional pending prekey
// handshake, and a bounded map of ratchet branches.
//
// A Session is not safe for concurrent use; callers must externally
// serialize calls on a given instance. Multiple Sessions may be driven
// independently.
type Session struct {
	suite Suite

	localIdentity  IdentityKeyPair
	remoteIdentity IdentityKey

	sessionTag     SessionTag
	sessionTagName string
	pendingPreKey  *PendingPreKey

	states    map[string]*sessionStateEntry
	counter   uint64
	maxStates int

	randSource io.Reader
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

// WithSuite selects the Double-Ratchet cipher suite a Session's branches
// use. The default is DJB("proteus-go").
func WithSuite(suite Suite) SessionOption {
	return func(s *Session) { s.suite = suite }
}

// WithMaxSessionStates overrides the default 100-entry cap on concurrent
// ratchet branches (spec §3 invariant 1). Mainly useful for exercising
// eviction in tests without driving 101 real handshakes.
func WithMaxSessionStates(n int) SessionOption {
	return func(s *Session) { s.maxStates = n }
}

// WithRandSource overrides the entropy source used for ephemeral base-key
// and session-tag generation. The default is crypto/rand.Reader.
func WithRandSource(r io.Reader) SessionOption {
	return func(s *Session) { s.randSource = r }
}

func newSession(opts ...SessionOption) *Session {
	s := &Session{
		suite:      DJB("proteus-go"),
		states:     make(map[string]*sessionStateEntry),
		maxStates:  MaxSessionStates,
		randSource: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSessionFromPreKey initiates a session as Alice against a remote
// prekey bundle (spec §4.2.1). It never consumes a prekey from any store —
// the prekey is held by the remote party, not the caller.
func NewSessionFromPreKey(localIdentity IdentityKeyPair, remoteBundle PreKeyBundle, opts ...SessionOption) (*Session, error) {
	s := newSession(opts...)
	s.localIdentity = localIdentity
	s.remoteIdentity = remoteBundle.IdentityKey

	aliceBase, err := s.suite.Generate(s.randSource)
	if err != nil {
		return nil, fmt.Errorf("proteus: generating alice base key: %w", err)
	}

	state, err := initAsAlice(s.suite, localIdentity, aliceBase, remoteBundle)
	if err != nil {
		return nil, err
	}

	tag, err := newSessionTagFrom(s.randSource)
	if err != nil {
		return nil, err
	}

	s.pendingPreKey = &PendingPreKey{
		PreKeyID: remoteBundle.PreKeyID,
		BaseKey:  s.suite.Public(aliceBase),
	}
	s.insertSessionState(tag, state)
	return s, nil
}

// NewSessionFromMessage establishes a session as Bob from an inbound
// envelope, which must carry a PreKeyMessage (spec §4.2.2).
func NewSessionFromMessage(localIdentity IdentityKeyPair, store PreKeyStore, envelope Envelope, opts ...SessionOption) (*Session, []byte, error) {
	if envelope.PreKey == nil {
		if envelope.Cipher != nil {
			return nil, nil, newDecryptError(DecryptErrorInvalidMessage, caseInitNotPreKeyMessage,
				"init_from_message requires a PreKeyMessage, got a CipherMessage", nil)
		}
		return nil, nil, newDecryptError(DecryptErrorInvalidMessage, caseInitUnknownVariant,
			"init_from_message requires a PreKeyMessage, got neither known variant", nil)
	}
	pkm := *envelope.PreKey

	s := newSession(opts...)
	s.localIdentity = localIdentity
	s.remoteIdentity = pkm.IdentityKey
	s.sessionTag = pkm.Message.SessionTag
	s.sessionTagName = pkm.Message.SessionTag.String()

	state, usedPreKey, err := s.newRatchetStateForBob(store, pkm)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := state.Decrypt(pkm.Message)
	if err != nil {
		return nil, nil, err
	}

	s.insertSessionState(pkm.Message.SessionTag, state)

	if pkm.PreKeyID != MaxPreKeyID {
		if err := consumePreKey(store, usedPreKey); err != nil {
			return nil, nil, newDecryptError(DecryptErrorPrekeyNotFound, casePrekeyDeleteFailed,
				"failed to delete consumed prekey", err)
		}
	}

	return s, plaintext, nil
}

// newRatchetStateForBob derives a fresh ratchet branch for an inbound
// PreKeyMessage (spec §4.2.3, _new_state). It loads the targeted prekey
// exactly once and hands the loaded record back to the caller, so a
// subsequent consumePreKey call never re-loads it (spec §9's prekey
// single-use property: one load, one delete per id).
func (s *Session) newRatchetStateForBob(store PreKeyStore, pkm PreKeyMessage) (*SessionState, *PreKey, error) {
	pk, err := store.LoadPreKey(pkm.PreKeyID)
	if err != nil {
		return nil, nil, err
	}
	if pk == nil {
		return nil, nil, newProteusError(caseNoPrekeyInStore,
			fmt.Sprintf("prekey %d not found in store %T", pkm.PreKeyID, store))
	}
	state, err := initAsBob(s.suite, s.localIdentity, pk.KeyPair, pkm.IdentityKey, pkm.BaseKey)
	if err != nil {
		return nil, nil, err
	}
	return state, pk, nil
}

// consumePreKey zeroizes and deletes an already-loaded one-time prekey.
func consumePreKey(store PreKeyStore, pk *PreKey) error {
	wipe(pk.KeyPair)
	return store.DeletePreKey(pk.ID)
}

// insertSessionState implements the deterministic state-map maintenance
// policy of spec §4.3.
func (s *Session) insertSessionState(tag SessionTag, state *SessionState) {
	name := tag.String()

	if entry, ok := s.states[name]; ok {
		entry.state = state
	} else {
		if s.counter == math.MaxUint64 {
			// Safety valve (spec §3 invariant 4): unreachable on any
			// realistic 64-bit workload, but must remain as a defensive
			// branch.
			s.states = make(map[string]*sessionStateEntry)
			s.counter = 0
		}
		s.states[name] = &sessionStateEntry{idx: s.counter, tag: tag, state: state}
		s.counter++
	}

	if name != s.sessionTagName {
		s.sessionTag = tag
		s.sessionTagName = name
	}

	if len(s.states) >= s.maxStates {
		s.evictOldestSessionState()
	}
}

// evictOldestSessionState removes the non-current entry with the smallest
// insertion index, zeroizing its state first (spec §4.4).
func (s *Session) evictOldestSessionState() {
	var oldestName string
	var oldestIdx uint64
	found := false

	for name, entry := range s.states {
		if name == s.sessionTagName {
			continue
		}
		if !found || entry.idx < oldestIdx {
			oldestName, oldestIdx = name, entry.idx
			found = true
		}
	}
	if !found {
		return
	}

	s.states[oldestName].state.wipeState()
	delete(s.states, oldestName)
}

// Encrypt encrypts plaintext under the current ratchet branch (spec §4.5).
// It never mutates the state map or evicts.
func (s *Session) Encrypt(plaintext []byte) (Envelope, error) {
	entry, ok := s.states[s.sessionTagName]
	if !ok {
		return Envelope{}, newProteusError(caseNoStateForTag, "no ratchet state for current session tag")
	}
	return entry.state.Encrypt(s.localIdentity.Public(), s.pendingPreKey, s.sessionTag, plaintext)
}

// Decrypt dispatches on the envelope's inner variant (spec §4.6).
func (s *Session) Decrypt(store PreKeyStore, envelope Envelope) ([]byte, error) {
	switch {
	case envelope.Cipher != nil:
		return s.decryptCipherMessage(*envelope.Cipher)
	case envelope.PreKey != nil:
		return s.decryptPreKeyMessage(store, *envelope.PreKey)
	default:
		return nil, newDecryptError(DecryptErrorUnknown, caseUnknownEnvelopeVariant,
			"envelope carries unknown message variant", nil)
	}
}

// decryptCipherMessage implements spec §4.6.1: look up the branch by tag,
// deep-clone it, and only commit the clone back into the map on success —
// so a failed decrypt leaves the live session state untouched.
func (s *Session) decryptCipherMessage(msg CipherMessage) ([]byte, error) {
	entry, ok := s.states[msg.SessionTag.String()]
	if !ok {
		return nil, newDecryptError(DecryptErrorInvalidMessage, caseNoStateForCipherTag,
			"no ratchet state for incoming session tag", nil)
	}

	clone := entry.state.clone()
	plaintext, err := clone.Decrypt(msg)
	if err != nil {
		return nil, err
	}

	s.pendingPreKey = nil
	s.insertSessionState(msg.SessionTag, clone)
	return plaintext, nil
}

// decryptPreKeyMessage implements spec §4.6.2.
func (s *Session) decryptPreKeyMessage(store PreKeyStore, pkm PreKeyMessage) ([]byte, error) {
	if !pkm.IdentityKey.Equal(s.remoteIdentity) {
		return nil, newDecryptError(DecryptErrorRemoteIdentityChanged, caseRemoteIdentityChanged,
			"remote identity fingerprint changed", nil)
	}

	if _, ok := s.states[pkm.Message.SessionTag.String()]; ok {
		plaintext, err := s.decryptCipherMessage(pkm.Message)
		if err == nil {
			return plaintext, nil
		}
		if !errors.Is(err, ErrInvalidSignature) && !errors.Is(err, ErrInvalidMessage) {
			return nil, err
		}
	}

	// Either no branch exists for this tag yet, or the existing branch
	// could not decrypt this PreKeyMessage: establish a fresh ratchet
	// branch from the prekey material instead.
	state, usedPreKey, err := s.newRatchetStateForBob(store, pkm)
	if err != nil {
		return nil, err
	}

	plaintext, err := state.Decrypt(pkm.Message)
	if err != nil {
		return nil, err
	}

	if pkm.PreKeyID != MaxPreKeyID {
		// Unlike NewSessionFromMessage, a delete failure here propagates
		// unwrapped — see DESIGN.md Open Questions for the (preserved)
		// asymmetry with spec §4.2.2.
		if err := consumePreKey(store, usedPreKey); err != nil {
			return nil, err
		}
	}

	s.insertSessionState(pkm.Message.SessionTag, state)
	s.pendingPreKey = nil
	return plaintext, nil
}

// RemoteIdentity returns the session's remote identity key.
func (s *Session) RemoteIdentity() IdentityKey { return s.remoteIdentity }

// SessionTag returns the tag of the most recently inserted or promoted
// ratchet branch.
func (s *Session) SessionTag() SessionTag { return s.sessionTag }

// PendingPreKey reports the session's unconfirmed Alice-initiated
// handshake, if any (spec §3 invariant 5).
func (s *Session) PendingPreKey() *PendingPreKey { return s.pendingPreKey }

// StateCount reports the number of ratchet branches currently retained.
func (s *Session) StateCount() int { return len(s.states) }
