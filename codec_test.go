package proteus

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	alice, bob, bobStore := bootstrapSessions(t)

	env, err := bob.Encrypt([]byte("pre-serialise"))
	require.NoError(t, err)
	_, err = alice.Decrypt(bobStore, env)
	require.NoError(t, err)

	data, err := alice.Serialise()
	require.NoError(t, err)
	require.NotEmpty(t, data)

	restored, err := DeserialiseSession(alice.suite, alice.localIdentity, data)
	require.NoError(t, err)

	require.Equal(t, alice.sessionTagName, restored.sessionTagName)
	require.Equal(t, alice.StateCount(), restored.StateCount())
	require.True(t, restored.RemoteIdentity().Equal(alice.RemoteIdentity()))

	env, err = bob.Encrypt([]byte("post-restore"))
	require.NoError(t, err)
	plaintext, err := restored.Decrypt(bobStore, env)
	require.NoError(t, err)
	require.Equal(t, "post-restore", string(plaintext))
}

func TestCodecRejectsWrongLocalIdentity(t *testing.T) {
	alice, _, _ := bootstrapSessions(t)

	data, err := alice.Serialise()
	require.NoError(t, err)

	otherIdentity, err := GenerateIdentityKeyPair(alice.suite)
	require.NoError(t, err)

	_, err = DeserialiseSession(alice.suite, otherIdentity, data)
	require.Error(t, err)

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	require.Equal(t, DecodeErrorLocalIdentityChanged, decErr.Kind)
	require.Equal(t, caseLocalIdentityChanged, decErr.Case)
}

func TestCodecRejectsMalformedInput(t *testing.T) {
	_, err := DeserialiseSession(DJB(t.Name()), IdentityKeyPair{}, []byte("not cbor"))
	require.Error(t, err)
}

func TestCodecUnknownTagsAreSkipped(t *testing.T) {
	alice, _, _ := bootstrapSessions(t)
	data, err := alice.Serialise()
	require.NoError(t, err)

	var raw map[uint64]interface{}
	require.NoError(t, cbor.Unmarshal(data, &raw))
	raw[99] = "future-field-a-newer-encoder-might-add"

	reencoded, err := canonicalEncMode.Marshal(raw)
	require.NoError(t, err)

	restored, err := DeserialiseSession(alice.suite, alice.localIdentity, reencoded)
	require.NoError(t, err)
	require.Equal(t, alice.sessionTagName, restored.sessionTagName)
}
