// Package crypto implements per-recipient envelope encryption for peer message
// delivery.
//
// Every message is encrypted individually for one recipient. The sender runs a
// fresh KEM encapsulation against the recipient's public key, derives a
// symmetric key from the shared secret with HKDF-SHA3-256 under a versioned
// context string, and seals the plaintext with ChaCha20-Poly1305:
//
//	kp, _ := crypto.GenerateKeyPair("XWING")
//	env, _ := crypto.EncryptFor([]byte("hello"), kp.Public)
//	plaintext, err := crypto.DecryptFrom(env, kp.Private)
//
// # KEM Suites
//
// The KEM is treated as a black box through the hpqc kem.Scheme interface.
// Two suites are registered:
//
//   - MLKEM768: ML-KEM-768 (FIPS 203)
//   - XWING: ML-KEM-768 combined with X25519 (the default)
//
// # Failure Model
//
// DecryptFrom returns a *DecryptionError for every failure: an unsupported
// version, a suite that does not match the private key, any fixed-size field
// of the wrong length, or an authentication tag that does not verify. Lengths
// are never padded or truncated.
//
// # Worker Pool
//
// Envelope operations are CPU bound and independent. [Pool] runs them on a
// bounded set of goroutines (runtime.NumCPU() by default); [Pool.EncryptFanout]
// encrypts one plaintext for many recipients in parallel.
//
// # Identities
//
// [PeerID] derives a stable peer identifier from a public key. [Keyring] is a
// simple in-memory identity collaborator, and [SaveKeyPair]/[LoadKeyPair]
// persist a key pair to disk.
package crypto
