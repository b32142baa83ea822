package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateForTest(t *testing.T, suite string) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair(suite)
	require.NoError(t, err)
	return kp
}

func TestEnvelopeRoundTrip(t *testing.T) {
	plaintexts := [][]byte{
		{0x00},
		[]byte("hello, peer"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}

	for _, suite := range SuiteNames() {
		t.Run(suite, func(t *testing.T) {
			kp := generateForTest(t, suite)
			for _, pt := range plaintexts {
				env, err := EncryptFor(pt, kp.Public)
				require.NoError(t, err)
				assert.Equal(t, EnvelopeVersion, env.Version)
				assert.Equal(t, suite, env.Suite)
				assert.Len(t, env.Nonce, NonceSize)
				assert.Len(t, env.KEMCiphertext, kp.Public.Scheme().CiphertextSize())
				assert.Len(t, env.Ciphertext, len(pt)+TagSize)

				got, err := DecryptFrom(env, kp.Private)
				require.NoError(t, err)
				assert.Equal(t, pt, got)
			}
		})
	}
}

func TestEnvelopeFreshEncapsulationPerMessage(t *testing.T) {
	kp := generateForTest(t, "")
	a, err := EncryptFor([]byte("same"), kp.Public)
	require.NoError(t, err)
	b, err := EncryptFor([]byte("same"), kp.Public)
	require.NoError(t, err)

	assert.NotEqual(t, a.KEMCiphertext, b.KEMCiphertext)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestEnvelopeTamperDetection(t *testing.T) {
	kp := generateForTest(t, "MLKEM768")
	env, err := EncryptFor([]byte("do not touch"), kp.Public)
	require.NoError(t, err)

	for i := range env.Ciphertext {
		for bit := 0; bit < 8; bit++ {
			tampered := *env
			tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
			tampered.Ciphertext[i] ^= 1 << bit

			pt, err := DecryptFrom(&tampered, kp.Private)
			require.Error(t, err, "byte %d bit %d", i, bit)
			assert.Nil(t, pt)
			var derr *DecryptionError
			require.True(t, errors.As(err, &derr))
		}
	}
}

func TestEnvelopeHeaderTampering(t *testing.T) {
	kp := generateForTest(t, "")
	env, err := EncryptFor([]byte("header bound"), kp.Public)
	require.NoError(t, err)

	t.Run("kem ciphertext bit flip", func(t *testing.T) {
		tampered := *env
		tampered.KEMCiphertext = append([]byte(nil), env.KEMCiphertext...)
		tampered.KEMCiphertext[0] ^= 0x01
		_, err := DecryptFrom(&tampered, kp.Private)
		assert.ErrorIs(t, err, ErrDecryption)
	})

	t.Run("nonce bit flip", func(t *testing.T) {
		tampered := *env
		tampered.Nonce = append([]byte(nil), env.Nonce...)
		tampered.Nonce[3] ^= 0x80
		_, err := DecryptFrom(&tampered, kp.Private)
		assert.ErrorIs(t, err, ErrDecryption)
	})

	t.Run("version", func(t *testing.T) {
		tampered := *env
		tampered.Version = EnvelopeVersion + 1
		_, err := DecryptFrom(&tampered, kp.Private)
		assert.ErrorIs(t, err, ErrDecryption)
	})
}

func TestEnvelopeLengthValidation(t *testing.T) {
	kp := generateForTest(t, "")
	env, err := EncryptFor([]byte("length checks"), kp.Public)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"short kem ciphertext", func(e *Envelope) { e.KEMCiphertext = e.KEMCiphertext[:len(e.KEMCiphertext)-1] }},
		{"long kem ciphertext", func(e *Envelope) { e.KEMCiphertext = append(e.KEMCiphertext, 0) }},
		{"short nonce", func(e *Envelope) { e.Nonce = e.Nonce[:NonceSize-1] }},
		{"long nonce", func(e *Envelope) { e.Nonce = append(e.Nonce, 0) }},
		{"truncated tag", func(e *Envelope) { e.Ciphertext = e.Ciphertext[:TagSize-1] }},
		{"empty ciphertext", func(e *Envelope) { e.Ciphertext = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := &Envelope{
				Version:       env.Version,
				Suite:         env.Suite,
				KEMCiphertext: append([]byte(nil), env.KEMCiphertext...),
				Nonce:         append([]byte(nil), env.Nonce...),
				Ciphertext:    append([]byte(nil), env.Ciphertext...),
			}
			tt.mutate(tampered)
			_, err := DecryptFrom(tampered, kp.Private)
			var derr *DecryptionError
			require.True(t, errors.As(err, &derr), "got %v", err)
		})
	}
}

func TestEnvelopeWrongRecipient(t *testing.T) {
	alice := generateForTest(t, "")
	bob := generateForTest(t, "")

	env, err := EncryptFor([]byte("for alice"), alice.Public)
	require.NoError(t, err)

	_, err = DecryptFrom(env, bob.Private)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestEnvelopeSuiteMismatch(t *testing.T) {
	ml := generateForTest(t, "MLKEM768")
	xw := generateForTest(t, "XWING")

	env, err := EncryptFor([]byte("suite bound"), ml.Public)
	require.NoError(t, err)

	_, err = DecryptFrom(env, xw.Private)
	var derr *DecryptionError
	require.ErrorAs(t, err, &derr)
	assert.Contains(t, derr.Reason, "suite")
}

func TestEnvelopeMarshalRoundTrip(t *testing.T) {
	kp := generateForTest(t, "")
	env, err := EncryptFor([]byte("over the wire"), kp.Public)
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)

	pt, err := DecryptFrom(decoded, kp.Private)
	require.NoError(t, err)
	assert.Equal(t, []byte("over the wire"), pt)
}

func TestUnmarshalEnvelopeGarbage(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte{0xff, 0x00, 0x13})
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptNilEnvelope(t *testing.T) {
	kp := generateForTest(t, "")
	_, err := DecryptFrom(nil, kp.Private)
	assert.ErrorIs(t, err, ErrDecryption)
}
