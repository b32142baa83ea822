package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/katzenpost/hpqc/kem"
)

// ErrMalformedKey is returned when an encoded key cannot be parsed.
var ErrMalformedKey = errors.New("malformed key encoding")

// EncodePublicKey renders pub as "SUITE:base64", the form exchanged with
// contacts out of band.
func EncodePublicKey(pub kem.PublicKey) (string, error) {
	raw, err := pub.MarshalBinary()
	if err != nil {
		return "", err
	}
	return suiteName(pub.Scheme()) + ":" + base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePublicKey parses the output of EncodePublicKey.
func DecodePublicKey(text string) (kem.PublicKey, error) {
	scheme, raw, err := splitEncoded(text)
	if err != nil {
		return nil, err
	}
	if len(raw) != scheme.PublicKeySize() {
		return nil, fmt.Errorf("%w: public key length %d, want %d", ErrMalformedKey, len(raw), scheme.PublicKeySize())
	}
	return scheme.UnmarshalBinaryPublicKey(raw)
}

func encodePrivateKey(priv kem.PrivateKey) (string, error) {
	raw, err := priv.MarshalBinary()
	if err != nil {
		return "", err
	}
	return suiteName(priv.Scheme()) + ":" + base64.StdEncoding.EncodeToString(raw), nil
}

func decodePrivateKey(text string) (kem.PrivateKey, error) {
	scheme, raw, err := splitEncoded(text)
	if err != nil {
		return nil, err
	}
	if len(raw) != scheme.PrivateKeySize() {
		return nil, fmt.Errorf("%w: private key length %d, want %d", ErrMalformedKey, len(raw), scheme.PrivateKeySize())
	}
	return scheme.UnmarshalBinaryPrivateKey(raw)
}

func splitEncoded(text string) (kem.Scheme, []byte, error) {
	name, b64, ok := strings.Cut(strings.TrimSpace(text), ":")
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing suite prefix", ErrMalformedKey)
	}
	scheme, err := SuiteByName(name)
	if err != nil {
		return nil, nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return scheme, raw, nil
}

// SaveKeyPair writes the private key to path (mode 0600) and the public key to
// path+".pub" (mode 0644). Each file is written to a temp file and renamed.
func SaveKeyPair(path string, kp *KeyPair) error {
	priv, err := encodePrivateKey(kp.Private)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	pub, err := EncodePublicKey(kp.Public)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := writeFileAtomic(path, []byte(priv+"\n"), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := writeFileAtomic(path+".pub", []byte(pub+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// LoadKeyPair reads a private key written by SaveKeyPair and derives its public half.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	defer ZeroBytes(data)
	priv, err := decodePrivateKey(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: priv.Public(), Private: priv}, nil
}

// LoadPublicKey reads a public key file in EncodePublicKey form.
func LoadPublicKey(path string) (kem.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return DecodePublicKey(string(data))
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
