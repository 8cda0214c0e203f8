// Package proteus implements the Proteus secure-session core: a
// Double-Ratchet-style session object that survives reordering and loss,
// upgrades itself on receipt of a fresh prekey handshake, and persists to a
// canonical binary form.
//
// Ratchet engine
//
// What follows is a high-level overview of the Double Ratchet construction
// used underneath a Session, paraphrased from the whitepaper [signal].
//
// The Double Ratchet Algorithm is comprised of two "ratchets" over three KDF
// chains. A ratchet is a construction where each step forward is derived
// with a one-way function, making it impossible to recover previous keys
// (forward secrecy).
//
// A KDF chain is a construction where part of the output of the KDF is used
// to key the next invocation of the KDF, and the rest is used for some other
// purpose (like message encryption). Each party keeps three chains: a root
// chain, a sending chain, and a receiving chain. Each party's sending chain
// matches the other's receiving chain and vice versa; the root chain is the
// same for both.
//
// Both parties additionally hold an ephemeral Diffie-Hellman ratchet key
// pair. Each time a message is sent the sender may generate a new key pair
// and attach the new public key to the message; the recipient uses it to
// advance its own receiving chain and keep it in sync with the sender's
// sending chain.
//
// This package does not implement encrypted headers.
//
// References
//
//	[signal]: https://signal.org/docs/specifications/doubleratchet/doubleratchet.pdf
package proteus

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
)

// KeyPair is a complete (private, public) key pair, suite-specific in
// encoding (see ratchet_djb.go and ratchet_nist.go).
type KeyPair []byte

// PublicKey is a peer's public key half of a KeyPair.
type PublicKey []byte

// RootKey is a key generated by each step in the root chain. RootKeys output
// by KDFrk are 32 bytes; a responder branch starts from the raw combined
// handshake secret (see initAsBob) until its first DH-ratchet step.
type RootKey []byte

// ChainKey is an ephemeral key used to key the KDF used to generate message
// keys. ChainKeys are always 32 bytes.
type ChainKey []byte

// MsgKey is an ephemeral key used to encrypt a single message, output from
// the sending and receiving KDF chains. MsgKeys are always 32 bytes.
type MsgKey []byte

// Header is generated alongside each ratchet-encrypted message.
type Header struct {
	// PublicKey is the sender's ratchet public key.
	PublicKey []byte
	// PN is the previous sending chain length.
	PN int
	// N is the current message number.
	N int
}

// Append serializes the Header and appends it to buf.
func (h Header) Append(buf []byte) []byte {
	n := len(buf)
	buf = append(buf, make([]byte, 16+len(h.PublicKey))...)
	binary.BigEndian.PutUint64(buf[n:n+8], uint64(h.PN))
	binary.BigEndian.PutUint64(buf[n+8:n+16], uint64(h.N))
	copy(buf[n+16:], h.PublicKey)
	return buf
}

// Decode deserializes a Header from data.
func (h *Header) Decode(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("proteus: invalid header length: %d", len(data))
	}
	h.PN = int(binary.BigEndian.Uint64(data[0:8]))
	h.N = int(binary.BigEndian.Uint64(data[8:16]))
	h.PublicKey = append(h.PublicKey[:0], data[16:]...)
	return nil
}

// Suite is a concrete Double-Ratchet cipher suite: a Diffie-Hellman
// function, two KDFs, and an AEAD.
//
// A Suite should be safe for concurrent use by multiple distinct
// goroutines; it holds no mutable state of its own.
type Suite interface {
	// Generate creates a new Diffie-Hellman key pair, drawing entropy from
	// the provided source.
	Generate(io.Reader) (KeyPair, error)
	// Public returns the public half of a key pair.
	Public(KeyPair) PublicKey
	// DH returns the Diffie-Hellman value computed from a key pair and a
	// peer public key.
	DH(KeyPair, PublicKey) ([]byte, error)
	// KDFrk applies a KDF keyed by the root key to a Diffie-Hellman output
	// and returns the next (root key, chain key) pair.
	KDFrk(RootKey, []byte) (RootKey, ChainKey)
	// KDFck applies a KDF keyed by the chain key and returns the next
	// (chain key, message key) pair.
	KDFck(ChainKey) (ChainKey, MsgKey)
	// Seal encrypts and authenticates plaintext, authenticates
	// additionalData, and returns the ciphertext.
	Seal(key MsgKey, plaintext, additionalData []byte) []byte
	// Open decrypts and authenticates ciphertext, authenticating
	// additionalData, and returns the plaintext.
	Open(key MsgKey, ciphertext, additionalData []byte) ([]byte, error)
	// Header builds a message header from a key pair, the previous chain
	// length, and the current message number.
	Header(priv KeyPair, prevChainLength, messageNum int) Header
	// Concat binds additionalData to a Header for AEAD authentication.
	Concat(additionalData []byte, h Header) []byte
}

// Concat is a default implementation of Suite.Concat.
func Concat(additionalData []byte, h Header) []byte {
	const max64 = binary.MaxVarintLen64
	buf := make([]byte, 0, max64+len(additionalData)+8+len(h.PublicKey))
	i := binary.PutVarint(buf[:max64], int64(len(additionalData)))
	buf = append(buf[:i], additionalData...)
	buf = h.Append(buf)
	return buf
}

// ratchetState is the mutable core of a single ratchet branch: root key,
// sending/receiving chains, and the DH ratchet key pairs. It is the thing
// SessionState (sessionstate.go) wraps and exposes to Session per spec §6.3.
type ratchetState struct {
	// DHs is the sending (self) ratchet key pair.
	DHs KeyPair
	// DHr is the peer's ratchet public key.
	DHr PublicKey
	// RK is the current root key.
	RK RootKey
	// CKs is the sending chain key.
	CKs ChainKey
	// CKr is the receiving chain key.
	CKr ChainKey
	// Ns is the sending message number.
	Ns int
	// Nr is the receiving message number.
	Nr int
	// PN is the number of messages in the previous sending chain.
	PN int
}

// clone performs a deep copy of the ratchet state.
func (s *ratchetState) clone() *ratchetState {
	return &ratchetState{
		DHs: append(KeyPair(nil), s.DHs...),
		DHr: append(PublicKey(nil), s.DHr...),
		RK:  append(RootKey(nil), s.RK...),
		CKs: append(ChainKey(nil), s.CKs...),
		CKr: append(ChainKey(nil), s.CKr...),
		Ns:  s.Ns,
		Nr:  s.Nr,
		PN:  s.PN,
	}
}

func (s *ratchetState) wipe() {
	wipe(s.DHs)
	wipe(s.DHr)
	wipe(s.RK)
	wipe(s.CKs)
	wipe(s.CKr)
}

// ErrKeyNotFound is returned by skipStore.LoadKey when a skipped message key
// is not present.
var ErrKeyNotFound = errors.New("proteus: skipped message key not found")

// ErrTooManySkipped is returned by skipStore.StoreKey once the store's
// bound on outstanding skipped keys has been exceeded.
var ErrTooManySkipped = errors.New("proteus: too many skipped messages")

// skipStore caches message keys for messages that arrive out of order, so a
// later duplicate or delayed delivery can still be decrypted (or correctly
// rejected as a duplicate once the key has been consumed).
type skipStore interface {
	StoreKey(Nr int, pub PublicKey, key MsgKey) error
	LoadKey(Nr int, pub PublicKey) (MsgKey, error)
	DeleteKey(Nr int, pub PublicKey) error
}

// memSkipStore is the default in-memory skipStore.
type memSkipStore struct {
	maxSkip int
	keys    map[string][]byte
}

var _ skipStore = (*memSkipStore)(nil)

func (memSkipStore) key(Nr int, pub PublicKey) string {
	return fmt.Sprintf("%d:%x", Nr, pub)
}

func (m *memSkipStore) StoreKey(Nr int, pub PublicKey, key MsgKey) error {
	if m.keys == nil {
		m.keys = make(map[string][]byte)
	}
	if len(m.keys) > m.maxSkip {
		return ErrTooManySkipped
	}
	m.keys[m.key(Nr, pub)] = key
	return nil
}

func (m *memSkipStore) LoadKey(Nr int, pub PublicKey) (MsgKey, error) {
	key, ok := m.keys[m.key(Nr, pub)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

func (m *memSkipStore) DeleteKey(Nr int, pub PublicKey) error {
	delete(m.keys, m.key(Nr, pub))
	return nil
}

// defaultMaxSkip bounds the number of skipped-message keys a single ratchet
// branch will cache before refusing to skip further (protects against a
// peer claiming an enormous message-number jump).
const defaultMaxSkip = 1000

// MaxRecvChains is published for API compatibility with the reference
// Proteus implementation. It names the number of historical receiving
// chains a SessionState-layer implementation may retain across DH-ratchet
// steps; Session itself never enforces it (see DESIGN.md Open Questions).
const MaxRecvChains = 5

// message is the ratchet engine's internal encrypted-message representation
// (header + AEAD ciphertext). The Session-facing wire type is CipherMessage
// (message.go); SessionState.Encrypt/Decrypt translate between the two.
type message struct {
	Header     Header
	Ciphertext []byte
}

// ErrInvalidMessage is returned when AEAD authentication of a ratchet
// message fails, or a header is malformed. Per spec §4.6.2 this is one of
// the two error kinds Session locally recovers from on the first decrypt
// attempt of a PreKeyMessage.
var ErrInvalidMessage = errors.New("proteus: invalid ratchet message")

// ErrInvalidSignature is returned when a handshake-bound value fails a
// cryptographic check distinct from plain AEAD authentication. Per spec
// §4.6.2 this is the other error kind Session locally recovers from.
var ErrInvalidSignature = errors.New("proteus: invalid ratchet signature")

// ErrDuplicateMessage is returned by decrypt when a message number has
// already been consumed (the skipped key was used and deleted, or the
// sequence number is behind the current receiving counter with no cached
// key for it).
var ErrDuplicateMessage = errors.New("proteus: duplicate or expired message")

// seal encrypts plaintext under the current sending chain, advancing it.
func (st *ratchetState) seal(suite Suite, plaintext, additionalData []byte) (message, error) {
	cks, mk := suite.KDFck(st.CKs)
	h := suite.Header(st.DHs, st.PN, st.Ns)
	ad := suite.Concat(additionalData, h)
	msg := message{
		Header:     h,
		Ciphertext: suite.Seal(mk, plaintext, ad),
	}
	st.CKs = cks
	st.Ns++
	return msg, nil
}

// open decrypts msg against store, trying cached skipped keys first, then —
// if the header advertises an unseen ratchet public key — performing a
// DH-ratchet step, then stepping the receiving chain before decrypting.
//
// open mutates st (and store) as it goes, including on failure; callers
// that need atomicity must clone st first (this is what session.go's
// decryptCipherMessage does, per spec §4.6.1).
func (st *ratchetState) open(suite Suite, store skipStore, msg message, additionalData []byte) ([]byte, error) {
	h := msg.Header

	switch mk, err := store.LoadKey(h.N, h.PublicKey); {
	case err == nil:
		ad := suite.Concat(additionalData, h)
		plaintext, err := suite.Open(mk, msg.Ciphertext, ad)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if err := store.DeleteKey(h.N, h.PublicKey); err != nil {
			wipe(plaintext)
			return nil, err
		}
		return plaintext, nil
	case errors.Is(err, ErrKeyNotFound):
		// fall through to the live chains below
	default:
		return nil, err
	}

	if !hmac.Equal(h.PublicKey, st.DHr) {
		if err := st.skip(suite, store, h.PN); err != nil {
			return nil, err
		}
		if err := st.ratchet(suite, h.PublicKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	}
	if err := st.skip(suite, store, h.N); err != nil {
		return nil, err
	}

	var mk MsgKey
	st.CKr, mk = suite.KDFck(st.CKr)
	st.Nr++
	ad := suite.Concat(additionalData, h)
	plaintext, err := suite.Open(mk, msg.Ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return plaintext, nil
}

// skip marks each message in [st.Nr, until) as skipped, caching their keys.
func (st *ratchetState) skip(suite Suite, store skipStore, until int) error {
	if st.CKr == nil {
		return nil
	}
	if until < st.Nr {
		return ErrDuplicateMessage
	}
	for st.Nr < until {
		var mk MsgKey
		st.CKr, mk = suite.KDFck(st.CKr)
		if err := store.StoreKey(st.Nr, st.DHr, mk); err != nil {
			return err
		}
		st.Nr++
	}
	return nil
}

// ratchet advances the DH ratchet to a new peer public key.
func (st *ratchetState) ratchet(suite Suite, pub PublicKey) error {
	st.PN = st.Ns
	st.Ns = 0
	st.Nr = 0
	st.DHr = pub

	dh, err := suite.DH(st.DHs, st.DHr)
	if err != nil {
		return err
	}
	st.RK, st.CKr = suite.KDFrk(st.RK, dh)

	newDHs, err := suite.Generate(rand.Reader)
	if err != nil {
		return err
	}
	st.DHs = newDHs
	dh, err = suite.DH(st.DHs, st.DHr)
	if err != nil {
		return err
	}
	st.RK, st.CKs = suite.KDFrk(st.RK, dh)
	return nil
}

//go:noinline
func wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
	runtime.KeepAlive(p)
}

// secureZero and subtleZero are named after the two zeroization helpers the
// two cipher suites call after deriving a transient AEAD key; both simply
// forward to wipe.
func secureZero(p []byte) { wipe(p) }
func subtleZero(p []byte) { wipe(p) }
