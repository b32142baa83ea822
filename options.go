package peerpost

import (
	"errors"
	"fmt"

	"github.com/opd-ai/peerpost/backoff"
	"github.com/opd-ai/peerpost/config"
	"github.com/opd-ai/peerpost/crypto"
	"github.com/opd-ai/peerpost/queue"
	"github.com/opd-ai/peerpost/transport"
	"github.com/sirupsen/logrus"
)

// OptionsFromConfig builds node options from a validated configuration. It
// loads (or creates) the identity, reads the peers directory and opens the
// queue backend and the transport. Set Registerer and
// Connection.OnLocalSignal on the result as needed, then pass it to New.
// Call Release on the options if New is never reached.
func OptionsFromConfig(cfg *config.Config) (*Options, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "OptionsFromConfig",
		"package":  "peerpost",
	})

	kp, err := LoadIdentity(cfg.Identity.KeyFile, cfg.Identity.Suite, true)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	keys := crypto.NewKeyring(kp)
	peers, err := LoadPeers(keys, cfg.Identity.PeersDir)
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}

	backend, err := OpenBackend(cfg.Queue)
	if err != nil {
		return nil, err
	}
	tr, err := OpenTransport(cfg.Connection, keys)
	if err != nil {
		backend.Close()
		return nil, err
	}

	opts := NewOptions()
	opts.Keys = keys
	opts.Transport = tr
	opts.Backend = backend
	opts.Backoff = backoff.Backoff{Tiers: cfg.Queue.Backoff}
	opts.Connection = cfg.Connection.ManagerOptions()
	opts.Delivery = cfg.Delivery.Options()
	opts.CryptoWorkers = cfg.Delivery.CryptoWorkers

	logger.WithFields(logrus.Fields{
		"self_id":   keys.SelfID(),
		"peers":     peers,
		"backend":   cfg.Queue.Backend,
		"transport": cfg.Connection.Transport,
	}).Info("Options loaded from config")
	return opts, nil
}

// Release closes the transport and backend held by options that were not
// handed to New.
func (o *Options) Release() error {
	var errs []error
	if o.Transport != nil {
		errs = append(errs, o.Transport.Close())
	}
	if o.Backend != nil {
		errs = append(errs, o.Backend.Close())
	}
	return errors.Join(errs...)
}

// OpenBackend opens the queue backend named by the configuration.
func OpenBackend(cfg *config.Queue) (queue.Backend, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		b, err := queue.OpenBolt(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt queue: %w", err)
		}
		return b, nil
	case config.BackendSQLite:
		b, err := queue.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite queue: %w", err)
		}
		return b, nil
	case config.BackendMemory:
		return queue.NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
}

// OpenTransport creates the transport named by the configuration. TCP links
// authenticate with keys.
func OpenTransport(cfg *config.Connection, keys *crypto.Keyring) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportWebRTC:
		return transport.NewWebRTCTransport(transport.WebRTCOptions{ICEServers: cfg.ICEServers}), nil
	case config.TransportTCP:
		t, err := transport.NewTCPTransport(transport.TCPOptions{
			ListenAddr:       cfg.ListenAddr,
			AdvertiseAddr:    cfg.AdvertiseAddr,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Keys:             keys,
		})
		if err != nil {
			return nil, fmt.Errorf("open tcp transport: %w", err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}
