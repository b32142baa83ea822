package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/kem"
	"golang.org/x/crypto/sha3"
)

// PeerIDSize is the number of digest bytes kept in a peer id.
const PeerIDSize = 16

// KeyPair is a KEM identity key pair.
type KeyPair struct {
	Public  kem.PublicKey
	Private kem.PrivateKey
}

// GenerateKeyPair creates a fresh key pair for the named suite. An empty name
// selects DefaultSuite.
func GenerateKeyPair(suite string) (*KeyPair, error) {
	scheme, err := SuiteByName(suite)
	if err != nil {
		return nil, err
	}
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate %s key pair: %w", scheme.Name(), err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// DeriveKeyPair deterministically derives a key pair for the named suite from
// seed, which must be exactly the suite's seed size.
func DeriveKeyPair(suite string, seed []byte) (*KeyPair, error) {
	scheme, err := SuiteByName(suite)
	if err != nil {
		return nil, err
	}
	if len(seed) != scheme.SeedSize() {
		return nil, fmt.Errorf("%w: %s seed length %d, want %d", kem.ErrSeedSize, suiteName(scheme), len(seed), scheme.SeedSize())
	}
	pub, priv := scheme.DeriveKeyPair(seed)
	return &KeyPair{Public: pub, Private: priv}, nil
}

// ID returns the peer id of the key pair's public half.
func (kp *KeyPair) ID() string {
	id, err := PeerID(kp.Public)
	if err != nil {
		panic(err)
	}
	return id
}

// PeerID derives the stable peer identifier from a public key: the hex encoded
// first PeerIDSize bytes of SHA3-256(suite || public key).
func PeerID(pub kem.PublicKey) (string, error) {
	if pub == nil {
		return "", errors.New("nil public key")
	}
	raw, err := pub.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	h := sha3.New256()
	h.Write([]byte(suiteName(pub.Scheme())))
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)[:PeerIDSize]), nil
}
