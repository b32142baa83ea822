package peerpost

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opd-ai/peerpost/crypto"
	"github.com/sirupsen/logrus"
)

// PeerKeySuffix names public key files in a peers directory.
const PeerKeySuffix = ".pub"

// LoadIdentity reads the key pair at path. When the file does not exist and
// create is set, a new pair of the given suite is generated and saved there.
func LoadIdentity(path, suite string, create bool) (*crypto.KeyPair, error) {
	kp, err := crypto.LoadKeyPair(path)
	if err == nil {
		return kp, nil
	}
	if !create || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	kp, err = crypto.GenerateKeyPair(suite)
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveKeyPair(path, kp); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "LoadIdentity",
		"package":  "peerpost",
		"path":     path,
		"self_id":  kp.ID(),
	}).Info("Generated new identity")
	return kp, nil
}

// LoadPeers adds every public key file in dir to keys and returns how many
// were added. A missing directory holds no peers.
func LoadPeers(keys *crypto.Keyring, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read peers directory: %w", err)
	}

	added := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), PeerKeySuffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		pub, err := crypto.LoadPublicKey(path)
		if err != nil {
			return added, fmt.Errorf("%s: %w", path, err)
		}
		if _, err := keys.AddPeer(pub); err != nil {
			return added, fmt.Errorf("%s: %w", path, err)
		}
		added++
	}
	return added, nil
}

// SavePeer writes a peer's public key into dir as <peer id>.pub and returns
// the peer id.
func SavePeer(dir, encoded string) (string, error) {
	pub, err := crypto.DecodePublicKey(encoded)
	if err != nil {
		return "", err
	}
	id, err := crypto.PeerID(pub)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create peers directory: %w", err)
	}
	path := filepath.Join(dir, id+PeerKeySuffix)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(encoded)+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write peer key: %w", err)
	}
	return id, nil
}
