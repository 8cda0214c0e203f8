package proteus

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Wire format version. Bumped whenever the tagged-field layout below
// changes in a way that is not purely additive.
const wireVersion = 1

// Canonical tag numbers for the top-level Session encoding (spec §4.7,
// §6.1). Tags are written in ascending order; decode accepts tags out of
// order and silently skips any tag it does not recognise, so a newer
// encoder can add fields a decoder built against this version will simply
// drop.
const (
	tagVersion        uint64 = 0
	tagSessionTag     uint64 = 1
	tagLocalIdentity  uint64 = 2
	tagRemoteIdentity uint64 = 3
	tagPendingPreKey  uint64 = 4
	tagSessionStates  uint64 = 5
)

var canonicalEncMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("proteus: building canonical cbor encoder: %v", err))
	}
	return m
}()

// wirePendingPreKey is the flat cbor projection of PendingPreKey.
type wirePendingPreKey struct {
	PreKeyID uint16
	BaseKey  []byte
}

// wireSessionStateEntry is one session_states map value: the branch's
// insertion index (for eviction ordering) plus its serialised ratchet
// state.
type wireSessionStateEntry struct {
	Idx   uint64
	State []byte
}

// Serialise encodes a Session to its canonical binary form (spec §4.7).
//
// The local identity is written at tag 2 using the same raw public-key
// encoding as the remote identity at tag 3; DeserialiseSession decodes it and
// fingerprints it itself rather than trusting a precomputed digest, so it
// can detect — without needing the caller's private key material on the
// wire — whether it is being handed back to a party whose identity has
// since changed (CASE_300).
func (s *Session) Serialise() ([]byte, error) {
	fields := map[uint64]interface{}{
		tagVersion:        wireVersion,
		tagSessionTag:     s.sessionTag.Bytes(),
		tagLocalIdentity:  s.localIdentity.Public().Public(),
		tagRemoteIdentity: s.remoteIdentity.Public(),
	}

	if s.pendingPreKey != nil {
		fields[tagPendingPreKey] = wirePendingPreKey{
			PreKeyID: s.pendingPreKey.PreKeyID,
			BaseKey:  s.pendingPreKey.BaseKey,
		}
	} else {
		fields[tagPendingPreKey] = nil
	}

	states := make(map[string]wireSessionStateEntry, len(s.states))
	for name, entry := range s.states {
		raw, err := entry.state.Serialise()
		if err != nil {
			return nil, fmt.Errorf("proteus: serialising branch %s: %w", name, err)
		}
		states[name] = wireSessionStateEntry{Idx: entry.idx, State: raw}
	}
	fields[tagSessionStates] = states

	return canonicalEncMode.Marshal(fields)
}

// DeserialiseSession decodes a Session previously produced by Serialise.
// localIdentity must be the same identity key pair the session was
// serialised under; a mismatch is reported as CASE_300.
func DeserialiseSession(suite Suite, localIdentity IdentityKeyPair, data []byte, opts ...SessionOption) (*Session, error) {
	var raw map[uint64]cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, newDecodeError(DecodeErrorGeneric, "", "malformed session encoding", err)
	}

	if vraw, ok := raw[tagVersion]; ok {
		var v int
		if err := cbor.Unmarshal(vraw, &v); err != nil {
			return nil, newDecodeError(DecodeErrorInvalidType, caseInvalidType, "version field is not an integer", err)
		}
	}

	localRaw, ok := raw[tagLocalIdentity]
	if !ok {
		return nil, newDecodeError(DecodeErrorGeneric, "", "missing local identity", nil)
	}
	var localPub []byte
	if err := cbor.Unmarshal(localRaw, &localPub); err != nil {
		return nil, newDecodeError(DecodeErrorInvalidType, caseInvalidType, "local identity is not a byte string", err)
	}
	if NewIdentityKey(localPub).Fingerprint() != localIdentity.Fingerprint() {
		return nil, newDecodeError(DecodeErrorLocalIdentityChanged, caseLocalIdentityChanged,
			"local identity does not match the identity this session was serialised under", nil)
	}

	remoteRaw, ok := raw[tagRemoteIdentity]
	if !ok {
		return nil, newDecodeError(DecodeErrorGeneric, "", "missing remote identity", nil)
	}
	var remotePub []byte
	if err := cbor.Unmarshal(remoteRaw, &remotePub); err != nil {
		return nil, newDecodeError(DecodeErrorInvalidType, caseInvalidType, "remote identity is not a byte string", err)
	}

	tagRaw, ok := raw[tagSessionTag]
	if !ok {
		return nil, newDecodeError(DecodeErrorGeneric, "", "missing session tag", nil)
	}
	var tagBytes []byte
	if err := cbor.Unmarshal(tagRaw, &tagBytes); err != nil {
		return nil, newDecodeError(DecodeErrorInvalidType, caseInvalidType, "session tag is not a byte string", err)
	}
	sessionTag, err := sessionTagFromBytes(tagBytes)
	if err != nil {
		return nil, newDecodeError(DecodeErrorInvalidType, caseInvalidType, "malformed session tag", err)
	}

	s := newSession(opts...)
	s.suite = suite
	s.localIdentity = localIdentity
	s.remoteIdentity = NewIdentityKey(remotePub)
	s.sessionTag = sessionTag
	s.sessionTagName = sessionTag.String()

	if pkRaw, ok := raw[tagPendingPreKey]; ok {
		if string(pkRaw) != "\xf6" { // cbor null
			var wpk wirePendingPreKey
			if err := cbor.Unmarshal(pkRaw, &wpk); err != nil {
				return nil, newDecodeError(DecodeErrorInvalidType, caseInvalidType, "malformed pending prekey", err)
			}
			s.pendingPreKey = &PendingPreKey{PreKeyID: wpk.PreKeyID, BaseKey: wpk.BaseKey}
		}
	}

	statesRaw, ok := raw[tagSessionStates]
	if !ok {
		return nil, newDecodeError(DecodeErrorGeneric, "", "missing session states", nil)
	}
	var wireStates map[string]wireSessionStateEntry
	if err := cbor.Unmarshal(statesRaw, &wireStates); err != nil {
		return nil, newDecodeError(DecodeErrorInvalidType, caseInvalidType, "malformed session states", err)
	}

	var maxIdx uint64
	for name, w := range wireStates {
		st, err := DeserialiseSessionState(suite, w.State)
		if err != nil {
			return nil, fmt.Errorf("proteus: deserialising branch %s: %w", name, err)
		}
		nameBytes, err := hex.DecodeString(name)
		if err != nil {
			return nil, newDecodeError(DecodeErrorInvalidType, caseInvalidType, "malformed session state key", err)
		}
		tag, err := sessionTagFromBytes(nameBytes)
		if err != nil {
			return nil, newDecodeError(DecodeErrorInvalidType, caseInvalidType, "malformed session state key", err)
		}
		s.states[name] = &sessionStateEntry{idx: w.Idx, tag: tag, state: st}
		if w.Idx > maxIdx {
			maxIdx = w.Idx
		}
	}
	if len(wireStates) > 0 {
		s.counter = maxIdx + 1
	}

	return s, nil
}
