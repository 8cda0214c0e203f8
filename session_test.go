package proteus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// bootstrapSessions drives a full prekey handshake: Alice initiates against
// Bob's published bundle, Bob establishes from Alice's first envelope.
func bootstrapSessions(t *testing.T) (alice, bob *Session, bobStore *memPreKeyStore) {
	t.Helper()
	suite := DJB(t.Name())

	aliceIdentity, err := GenerateIdentityKeyPair(suite)
	require.NoError(t, err)
	bobIdentity, err := GenerateIdentityKeyPair(suite)
	require.NoError(t, err)

	bobStore = newMemPreKeyStore()
	bundle := bobStore.put(suite, 1)
	bundle.IdentityKey = bobIdentity.Public()

	alice, err = NewSessionFromPreKey(aliceIdentity, bundle, WithSuite(suite))
	require.NoError(t, err)

	env, err := alice.Encrypt([]byte("hello bob"))
	require.NoError(t, err)
	require.NotNil(t, env.PreKey)

	bob, plaintext, err := NewSessionFromMessage(bobIdentity, bobStore, env, WithSuite(suite))
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plaintext))

	return alice, bob, bobStore
}

func TestSessionHappyHandshake(t *testing.T) {
	alice, bob, _ := bootstrapSessions(t)
	require.True(t, alice.RemoteIdentity().Equal(bob.localIdentity.Public()))
	require.True(t, bob.RemoteIdentity().Equal(alice.localIdentity.Public()))
	require.NotNil(t, alice.PendingPreKey())
}

func TestSessionReplyCycle(t *testing.T) {
	alice, bob, store := bootstrapSessions(t)

	for i := 0; i < 20; i++ {
		env, err := bob.Encrypt([]byte("pong"))
		require.NoError(t, err)
		plaintext, err := alice.Decrypt(store, env)
		require.NoError(t, err)
		require.Equal(t, "pong", string(plaintext))

		env, err = alice.Encrypt([]byte("ping"))
		require.NoError(t, err)
		plaintext, err = bob.Decrypt(store, env)
		require.NoError(t, err)
		require.Equal(t, "ping", string(plaintext))
	}

	// Alice's pending prekey clears on the first message she decrypts.
	require.Nil(t, alice.PendingPreKey())
}

func TestSessionReordering(t *testing.T) {
	alice, bob, store := bootstrapSessions(t)

	// Get both sides onto a stable bidirectional ratchet first.
	env, err := bob.Encrypt([]byte("sync"))
	require.NoError(t, err)
	_, err = alice.Decrypt(store, env)
	require.NoError(t, err)

	const n = 10
	envs := make([]Envelope, n)
	for i := 0; i < n; i++ {
		envs[i], err = alice.Encrypt([]byte("msg"))
		require.NoError(t, err)
	}

	// Deliver in reverse order.
	for i := n - 1; i >= 0; i-- {
		plaintext, err := bob.Decrypt(store, envs[i])
		require.NoErrorf(t, err, "message %d", i)
		require.Equal(t, "msg", string(plaintext))
	}
}

func TestSessionDuplicateDelivery(t *testing.T) {
	alice, bob, store := bootstrapSessions(t)

	env, err := alice.Encrypt([]byte("once"))
	require.NoError(t, err)

	_, err = bob.Decrypt(store, env)
	require.NoError(t, err)

	_, err = bob.Decrypt(store, env)
	require.Error(t, err)
}

func TestSessionRemoteIdentityChanged(t *testing.T) {
	alice, bob, bobStore := bootstrapSessions(t)
	_ = alice

	suite := DJB(t.Name())
	impostorIdentity, err := GenerateIdentityKeyPair(suite)
	require.NoError(t, err)

	bundle2 := bobStore.put(suite, 2)
	impostorBundle := bundle2
	impostorBundle.IdentityKey = bob.localIdentity.Public()

	impostorSession, err := NewSessionFromPreKey(impostorIdentity, impostorBundle, WithSuite(suite))
	require.NoError(t, err)

	env, err := impostorSession.Encrypt([]byte("surprise"))
	require.NoError(t, err)
	require.NotNil(t, env.PreKey)

	_, err = bob.Decrypt(bobStore, env)
	require.Error(t, err)

	var decErr *DecryptError
	require.ErrorAs(t, err, &decErr)
	require.Equal(t, DecryptErrorRemoteIdentityChanged, decErr.Kind)
}

// isZeroed reports whether every byte of b is zero. An empty/nil slice
// counts as zeroed trivially.
func isZeroed(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestSessionStateTableSaturates(t *testing.T) {
	suite := DJB(t.Name())

	aliceIdentity, err := GenerateIdentityKeyPair(suite)
	require.NoError(t, err)
	bobIdentity, err := GenerateIdentityKeyPair(suite)
	require.NoError(t, err)

	bobStore := newMemPreKeyStore()
	const maxStates = 3

	var bob *Session
	evictions := 0
	for i := 0; i < maxStates+2; i++ {
		bundle := bobStore.put(suite, uint16(i))
		bundle.IdentityKey = bobIdentity.Public()

		alice, err := NewSessionFromPreKey(aliceIdentity, bundle, WithSuite(suite))
		require.NoError(t, err)

		env, err := alice.Encrypt([]byte("hi"))
		require.NoError(t, err)

		if bob == nil {
			bob, _, err = NewSessionFromMessage(bobIdentity, bobStore, env, WithSuite(suite), WithMaxSessionStates(maxStates))
			require.NoError(t, err)
			continue
		}

		before := make(map[string]*sessionStateEntry, len(bob.states))
		for k, v := range bob.states {
			before[k] = v
		}

		_, err = bob.Decrypt(bobStore, env)
		require.NoError(t, err)
		require.LessOrEqual(t, bob.StateCount(), maxStates)

		var evictedName string
		var evictedEntry *sessionStateEntry
		for k, v := range before {
			if _, stillThere := bob.states[k]; !stillThere {
				evictedName, evictedEntry = k, v
			}
		}
		if evictedName == "" {
			continue
		}
		evictions++

		// The newly inserted branch (this round's current tag) is never a
		// member of before, so it can never be the one evicted; the map's
		// "current" pointer at eviction time already points at it.
		require.NotEqual(t, bob.sessionTagName, evictedName)

		// The evicted branch must be the smallest-idx entry among every
		// other branch that existed before this round (spec §4.4).
		for k, v := range before {
			if k == evictedName {
				continue
			}
			require.LessOrEqualf(t, evictedEntry.idx, v.idx,
				"evicted %s (idx %d) should have the smallest idx, but %s (idx %d) also survived",
				evictedName, evictedEntry.idx, k, v.idx)
		}

		// The evicted branch's key material must have been zeroized, not
		// merely unlinked from the map.
		require.True(t, isZeroed(evictedEntry.state.state.RK))
		require.True(t, isZeroed(evictedEntry.state.state.CKs))
	}

	require.Greater(t, evictions, 0, "test never observed an eviction")
}

func TestSessionPreKeySingleUse(t *testing.T) {
	_, _, bobStore := bootstrapSessions(t)

	// bootstrapSessions consumes prekey id 1 to establish bob's session.
	require.Equal(t, 1, bobStore.loadCount(1))
	require.Equal(t, 1, bobStore.deleteCount(1))
}

func TestSessionLastResortPreKeyPreserved(t *testing.T) {
	suite := DJB(t.Name())

	aliceIdentity, err := GenerateIdentityKeyPair(suite)
	require.NoError(t, err)
	bobIdentity, err := GenerateIdentityKeyPair(suite)
	require.NoError(t, err)

	bobStore := newMemPreKeyStore()
	bundle := bobStore.put(suite, MaxPreKeyID)
	bundle.IdentityKey = bobIdentity.Public()

	alice, err := NewSessionFromPreKey(aliceIdentity, bundle, WithSuite(suite))
	require.NoError(t, err)

	env, err := alice.Encrypt([]byte("hello"))
	require.NoError(t, err)

	_, _, err = NewSessionFromMessage(bobIdentity, bobStore, env, WithSuite(suite))
	require.NoError(t, err)

	require.Equal(t, 1, bobStore.loadCount(MaxPreKeyID))
	require.Equal(t, 0, bobStore.deleteCount(MaxPreKeyID))
}
