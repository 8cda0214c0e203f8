package proteus

// CipherMessage is a single ratchet-encrypted message: the branch it
// belongs to, the ratchet counters needed to place it in the chain, and
// the AEAD ciphertext.
type CipherMessage struct {
	SessionTag      SessionTag
	Counter         uint32
	PreviousCounter uint32
	RatchetKey      PublicKey
	CipherText      []byte
}

// PreKeyMessage wraps a CipherMessage with the handshake material a
// recipient needs to establish a brand new ratchet branch: which one-time
// prekey was targeted, the sender's identity key, and the sender's
// ephemeral base key.
type PreKeyMessage struct {
	PreKeyID    uint16
	BaseKey     PublicKey
	IdentityKey IdentityKey
	Message     CipherMessage
}

// Envelope is the transport wrapper carrying either a PreKeyMessage (first
// message on a branch) or a bare CipherMessage (every message after).
// Exactly one of PreKey/Cipher is non-nil.
type Envelope struct {
	PreKey *PreKeyMessage
	Cipher *CipherMessage
}

// NewPreKeyEnvelope wraps a PreKeyMessage.
func NewPreKeyEnvelope(m PreKeyMessage) Envelope {
	return Envelope{PreKey: &m}
}

// NewCipherEnvelope wraps a bare CipherMessage.
func NewCipherEnvelope(m CipherMessage) Envelope {
	return Envelope{Cipher: &m}
}

func toInternalHeader(pub PublicKey, previousCounter, counter uint32) Header {
	return Header{
		PublicKey: pub,
		PN:        int(previousCounter),
		N:         int(counter),
	}
}

func toWireCipherMessage(tag SessionTag, h Header, ciphertext []byte) CipherMessage {
	return CipherMessage{
		SessionTag:      tag,
		Counter:         uint32(h.N),
		PreviousCounter: uint32(h.PN),
		RatchetKey:      h.PublicKey,
		CipherText:      ciphertext,
	}
}
