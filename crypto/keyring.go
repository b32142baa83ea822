package crypto

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/katzenpost/hpqc/kem"
)

// ErrUnknownPeer is returned when no public key is known for a peer id.
var ErrUnknownPeer = errors.New("unknown peer")

// Keyring is an in-memory identity collaborator: our own key pair plus the
// public keys of known peers, indexed by peer id. It is safe for concurrent use.
type Keyring struct {
	self  *KeyPair
	mu    sync.RWMutex
	peers map[string]kem.PublicKey
}

// NewKeyring creates a keyring around our own identity.
func NewKeyring(self *KeyPair) *Keyring {
	return &Keyring{
		self:  self,
		peers: make(map[string]kem.PublicKey),
	}
}

// SelfID returns our own peer id.
func (k *Keyring) SelfID() string {
	return k.self.ID()
}

// Self returns our own key pair.
func (k *Keyring) Self() *KeyPair {
	return k.self
}

// PrivateKey returns our own private key.
func (k *Keyring) PrivateKey() kem.PrivateKey {
	return k.self.Private
}

// PublicKey returns the public key of a known peer.
func (k *Keyring) PublicKey(peerID string) (kem.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return pub, nil
}

// AddPeer registers a peer's public key and returns its derived peer id.
func (k *Keyring) AddPeer(pub kem.PublicKey) (string, error) {
	id, err := PeerID(pub)
	if err != nil {
		return "", err
	}
	k.mu.Lock()
	k.peers[id] = pub
	k.mu.Unlock()
	return id, nil
}

// RemovePeer forgets a peer's public key.
func (k *Keyring) RemovePeer(peerID string) {
	k.mu.Lock()
	delete(k.peers, peerID)
	k.mu.Unlock()
}

// Peers returns the known peer ids in sorted order.
func (k *Keyring) Peers() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.peers))
	for id := range k.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
