package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/kem"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	// EnvelopeVersion is the current envelope format version.
	EnvelopeVersion uint8 = 1

	// KeySize is the length of the derived symmetric key.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the length of the AEAD nonce carried in each envelope.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the length of the Poly1305 authentication tag.
	TagSize = chacha20poly1305.Overhead

	// kdfContext is the versioned HKDF info prefix. Bumping the version makes keys
	// derived under a new algorithm set unambiguous.
	kdfContext = "peerpost/envelope/v1"
)

// ErrDecryption is the sentinel wrapped by every DecryptionError.
var ErrDecryption = errors.New("decryption failed")

// DecryptionError reports why an envelope could not be opened. It is permanent
// for the envelope: retrying the same bytes can never succeed.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "decryption failed: " + e.Reason
}

// Unwrap lets errors.Is match ErrDecryption as well as the underlying cause.
func (e *DecryptionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecryption, e.Err}
	}
	return []error{ErrDecryption}
}

func decryptionError(reason string, err error) *DecryptionError {
	return &DecryptionError{Reason: reason, Err: err}
}

// Envelope is the self-contained wire representation of one message to one
// recipient.
type Envelope struct {
	Version       uint8  `cbor:"1,keyasint"`
	Suite         string `cbor:"2,keyasint"`
	KEMCiphertext []byte `cbor:"3,keyasint"`
	Nonce         []byte `cbor:"4,keyasint"`
	Ciphertext    []byte `cbor:"5,keyasint"`
}

// Marshal encodes the envelope as CBOR.
func (e *Envelope) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// UnmarshalEnvelope decodes a CBOR envelope. Structural validation happens in
// DecryptFrom so that every malformed field surfaces as a DecryptionError.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, decryptionError("malformed envelope encoding", err)
	}
	return &env, nil
}

// EncryptFor encrypts plaintext for the holder of recipient. Each call performs
// a fresh, randomized KEM encapsulation, so the derived key is never reused and
// a random nonce cannot collide under it.
func EncryptFor(plaintext []byte, recipient kem.PublicKey) (*Envelope, error) {
	return encryptFor(rand.Reader, plaintext, recipient)
}

func encryptFor(random io.Reader, plaintext []byte, recipient kem.PublicKey) (*Envelope, error) {
	if recipient == nil {
		return nil, errors.New("nil recipient public key")
	}
	scheme := recipient.Scheme()
	suite := suiteName(scheme)

	kemCt, ss, err := scheme.Encapsulate(recipient)
	if err != nil {
		return nil, fmt.Errorf("kem encapsulate: %w", err)
	}
	defer ZeroBytes(ss)

	key, err := deriveKey(ss, kemCt, suite)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	env := &Envelope{
		Version:       EnvelopeVersion,
		Suite:         suite,
		KEMCiphertext: kemCt,
		Nonce:         nonce,
	}
	env.Ciphertext = aead.Seal(nil, nonce, plaintext, env.associatedData())

	NewLogger("EncryptFor").WithFields(Fingerprint("kem_ciphertext", kemCt)).
		WithField("suite", suite).
		WithField("plaintext_size", len(plaintext)).
		Debug("Envelope sealed")

	return env, nil
}

// DecryptFrom opens env with the recipient's private key. Every failure is a
// *DecryptionError: version or suite mismatch, any fixed-size field with the
// wrong length, or an authentication tag that does not verify.
func DecryptFrom(env *Envelope, own kem.PrivateKey) ([]byte, error) {
	if env == nil {
		return nil, decryptionError("nil envelope", nil)
	}
	if own == nil {
		return nil, errors.New("nil private key")
	}
	scheme := own.Scheme()
	suite := suiteName(scheme)

	if env.Version != EnvelopeVersion {
		return nil, decryptionError(fmt.Sprintf("unsupported envelope version %d", env.Version), nil)
	}
	if env.Suite != suite {
		return nil, decryptionError(fmt.Sprintf("suite %q does not match key suite %q", env.Suite, suite), nil)
	}
	if len(env.KEMCiphertext) != scheme.CiphertextSize() {
		return nil, decryptionError(fmt.Sprintf("kem ciphertext length %d, want %d",
			len(env.KEMCiphertext), scheme.CiphertextSize()), kem.ErrCiphertextSize)
	}
	if len(env.Nonce) != NonceSize {
		return nil, decryptionError(fmt.Sprintf("nonce length %d, want %d", len(env.Nonce), NonceSize), nil)
	}
	if len(env.Ciphertext) < TagSize {
		return nil, decryptionError(fmt.Sprintf("ciphertext length %d shorter than tag", len(env.Ciphertext)), nil)
	}

	ss, err := scheme.Decapsulate(own, env.KEMCiphertext)
	if err != nil {
		return nil, decryptionError("kem decapsulate", err)
	}
	defer ZeroBytes(ss)

	key, err := deriveKey(ss, env.KEMCiphertext, suite)
	if err != nil {
		return nil, decryptionError("key derivation", err)
	}
	defer ZeroBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, decryptionError("init aead", err)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, env.associatedData())
	if err != nil {
		NewLogger("DecryptFrom").WithFields(Fingerprint("kem_ciphertext", env.KEMCiphertext)).
			WithSuite(scheme).
			Warn("Envelope authentication failed")
		return nil, decryptionError("authentication tag mismatch", err)
	}
	return plaintext, nil
}

// associatedData binds the header fields to the ciphertext so none of them can
// be swapped without failing authentication.
func (e *Envelope) associatedData() []byte {
	ad := make([]byte, 0, 2+len(e.Suite)+len(e.KEMCiphertext))
	ad = append(ad, e.Version, uint8(len(e.Suite)))
	ad = append(ad, e.Suite...)
	return append(ad, e.KEMCiphertext...)
}

func deriveKey(sharedSecret, kemCiphertext []byte, suite string) ([]byte, error) {
	info := make([]byte, 0, len(kdfContext)+1+len(suite))
	info = append(info, kdfContext...)
	info = append(info, '/')
	info = append(info, suite...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha3.New256, sharedSecret, kemCiphertext, info), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
