package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/katzenpost/hpqc/kem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuiteByName(t *testing.T) {
	s, err := SuiteByName("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSuite, suiteName(s))

	s, err = SuiteByName("mlkem768")
	require.NoError(t, err)
	assert.Equal(t, "MLKEM768", suiteName(s))

	_, err = SuiteByName("rot13")
	assert.ErrorIs(t, err, ErrUnknownSuite)
}

func TestPeerIDStable(t *testing.T) {
	kp := generateForTest(t, "")

	id1, err := PeerID(kp.Public)
	require.NoError(t, err)
	id2, err := PeerID(kp.Private.Public())
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, PeerIDSize*2)
	assert.Equal(t, id1, kp.ID())

	other := generateForTest(t, "")
	assert.NotEqual(t, id1, other.ID())
}

func TestPublicKeyEncoding(t *testing.T) {
	kp := generateForTest(t, "MLKEM768")

	text, err := EncodePublicKey(kp.Public)
	require.NoError(t, err)
	assert.Contains(t, text, "MLKEM768:")

	pub, err := DecodePublicKey(text)
	require.NoError(t, err)
	assert.True(t, pub.Equal(kp.Public))

	_, err = DecodePublicKey("MLKEM768:AAAA")
	assert.ErrorIs(t, err, ErrMalformedKey)
	_, err = DecodePublicKey("no-prefix")
	assert.ErrorIs(t, err, ErrMalformedKey)
	_, err = DecodePublicKey("MLKEM768:***")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestSaveLoadKeyPair(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "identity.key")
	kp := generateForTest(t, "")

	require.NoError(t, SaveKeyPair(path, kp))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadKeyPair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.ID(), loaded.ID())

	pub, err := LoadPublicKey(path + ".pub")
	require.NoError(t, err)
	assert.True(t, pub.Equal(kp.Public))

	env, err := EncryptFor([]byte("persisted identity"), pub)
	require.NoError(t, err)
	pt, err := DecryptFrom(env, loaded.Private)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted identity"), pt)
}

func TestKeyring(t *testing.T) {
	self := generateForTest(t, "")
	peer := generateForTest(t, "")
	ring := NewKeyring(self)

	assert.Equal(t, self.ID(), ring.SelfID())
	assert.Equal(t, self.Private, ring.PrivateKey())

	_, err := ring.PublicKey(peer.ID())
	assert.ErrorIs(t, err, ErrUnknownPeer)

	id, err := ring.AddPeer(peer.Public)
	require.NoError(t, err)
	assert.Equal(t, peer.ID(), id)
	assert.Equal(t, []string{id}, ring.Peers())

	pub, err := ring.PublicKey(id)
	require.NoError(t, err)
	assert.True(t, pub.Equal(peer.Public))

	ring.RemovePeer(id)
	assert.Empty(t, ring.Peers())
}

func TestDeriveKeyPair(t *testing.T) {
	for _, suite := range SuiteNames() {
		t.Run(suite, func(t *testing.T) {
			scheme, err := SuiteByName(suite)
			require.NoError(t, err)
			seed := bytes.Repeat([]byte{0x5a}, scheme.SeedSize())

			a, err := DeriveKeyPair(suite, seed)
			require.NoError(t, err)
			b, err := DeriveKeyPair(suite, append([]byte(nil), seed...))
			require.NoError(t, err)
			assert.Equal(t, a.ID(), b.ID())
			assert.True(t, a.Public.Equal(b.Public))

			seed[0] ^= 0xff
			c, err := DeriveKeyPair(suite, seed)
			require.NoError(t, err)
			assert.NotEqual(t, a.ID(), c.ID())

			env, err := EncryptFor([]byte("hi"), c.Public)
			require.NoError(t, err)
			plain, err := DecryptFrom(env, c.Private)
			require.NoError(t, err)
			assert.Equal(t, []byte("hi"), plain)

			_, err = DeriveKeyPair(suite, seed[:len(seed)-1])
			assert.ErrorIs(t, err, kem.ErrSeedSize)
		})
	}

	_, err := DeriveKeyPair("rot13", make([]byte, 32))
	assert.ErrorIs(t, err, ErrUnknownSuite)
}
