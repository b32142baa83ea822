// Package config loads the peerpost node configuration from TOML.
//
// Every section is optional; missing values take the defaults of the
// component they configure. Durations are written as Go duration strings:
//
//	[Delivery]
//	MaxAttempts = 5
//	AckTimeout = "5s"
//
//	[Queue]
//	Backend = "bolt"
//	Path = "/var/lib/peerpost/queue.db"
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/peerpost/backoff"
	"github.com/opd-ai/peerpost/crypto"
	"github.com/opd-ai/peerpost/delivery"
	"github.com/opd-ai/peerpost/transport"
	"github.com/sirupsen/logrus"
)

// Queue backends.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Transports.
const (
	TransportWebRTC = "webrtc"
	TransportTCP    = "tcp"
)

// Config is the top-level node configuration.
type Config struct {
	Identity   *Identity
	Queue      *Queue
	Delivery   *Delivery
	Connection *Connection
	Logging    *Logging
	Metrics    *Metrics
}

// Identity locates the node's key material.
type Identity struct {
	// KeyFile holds the node's key pair, created by "peerpost keygen".
	KeyFile string
	// Suite is the KEM suite used when generating a new key pair.
	Suite string
	// PeersDir holds one public key file per known peer.
	PeersDir string
}

// Queue configures the persistent outbound queue.
type Queue struct {
	// Backend is one of "bolt", "sqlite" or "memory".
	Backend string
	// Path is the database file for the bolt and sqlite backends.
	Path string
	// Backoff is the retry delay tiers; the last one repeats.
	Backoff []time.Duration
}

// Delivery configures the orchestrator.
type Delivery struct {
	MaxAttempts         int
	DeferralsPerAttempt int
	AckTimeout          time.Duration
	OptimisticDelivery  bool
	Retention           time.Duration
	CleanupInterval     time.Duration
	DedupeTTL           time.Duration
	// CryptoWorkers sizes the encryption pool. Zero uses every CPU.
	CryptoWorkers int
}

// Connection configures the connection manager and its transport.
type Connection struct {
	// Transport is "webrtc" or "tcp".
	Transport          string
	NegotiationTimeout time.Duration
	Reconnect          []time.Duration
	// PeerTTL forgets idle peers. Zero keeps them.
	PeerTTL time.Duration

	// ICEServers are STUN/TURN URLs for the webrtc transport.
	ICEServers []string

	// ListenAddr, AdvertiseAddr and HandshakeTimeout apply to the tcp
	// transport.
	ListenAddr       string
	AdvertiseAddr    string
	HandshakeTimeout time.Duration
}

// Logging configures logrus.
type Logging struct {
	// Level is a logrus level name such as "info" or "debug".
	Level string
	// Format is "text" or "json".
	Format string
	// File receives the log output; empty means stderr.
	File string
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Address serves /metrics when set, e.g. "127.0.0.1:9464".
	Address string
}

// Default returns a configuration with every section filled in.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

func (c *Identity) applyDefaults() {
	if c.KeyFile == "" {
		c.KeyFile = "identity.key"
	}
	if c.Suite == "" {
		c.Suite = crypto.DefaultSuite
	}
	if c.PeersDir == "" {
		c.PeersDir = "peers"
	}
}

func (c *Identity) validate() error {
	if _, err := crypto.SuiteByName(c.Suite); err != nil {
		return fmt.Errorf("config: Identity: %w", err)
	}
	return nil
}

func (c *Queue) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendBolt
	}
	if c.Path == "" && c.Backend != BackendMemory {
		c.Path = "queue.db"
	}
	if len(c.Backoff) == 0 {
		c.Backoff = backoff.Default().Tiers
	}
}

func (c *Queue) validate() error {
	switch c.Backend {
	case BackendBolt, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("config: Queue: Backend '%v' is invalid", c.Backend)
	}
	if err := (backoff.Backoff{Tiers: c.Backoff}).Validate(); err != nil {
		return fmt.Errorf("config: Queue: %w", err)
	}
	return nil
}

func (c *Delivery) applyDefaults() {
	d := delivery.DefaultOptions()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.DeferralsPerAttempt == 0 {
		c.DeferralsPerAttempt = d.DeferralsPerAttempt
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.Retention == 0 {
		c.Retention = d.Retention
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.DedupeTTL == 0 {
		c.DedupeTTL = d.DedupeTTL
	}
}

func (c *Delivery) validate() error {
	switch {
	case c.MaxAttempts < 1:
		return errors.New("config: Delivery: MaxAttempts must be positive")
	case c.DeferralsPerAttempt < 1:
		return errors.New("config: Delivery: DeferralsPerAttempt must be positive")
	case c.AckTimeout < 0, c.Retention < 0, c.CleanupInterval < 0, c.DedupeTTL < 0:
		return errors.New("config: Delivery: durations must not be negative")
	case c.CryptoWorkers < 0:
		return errors.New("config: Delivery: CryptoWorkers must not be negative")
	}
	return nil
}

// Options converts the section to orchestrator options.
func (c *Delivery) Options() delivery.Options {
	return delivery.Options{
		MaxAttempts:         c.MaxAttempts,
		DeferralsPerAttempt: c.DeferralsPerAttempt,
		AckTimeout:          c.AckTimeout,
		OptimisticDelivery:  c.OptimisticDelivery,
		Retention:           c.Retention,
		CleanupInterval:     c.CleanupInterval,
		DedupeTTL:           c.DedupeTTL,
	}
}

func (c *Connection) applyDefaults() {
	if c.Transport == "" {
		c.Transport = TransportWebRTC
	}
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = transport.DefaultNegotiationTimeout
	}
	if len(c.Reconnect) == 0 {
		c.Reconnect = backoff.Default().Tiers
	}
	if c.Transport == TransportTCP && c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:7465"
	}
}

func (c *Connection) validate() error {
	switch c.Transport {
	case TransportWebRTC, TransportTCP:
	default:
		return fmt.Errorf("config: Connection: Transport '%v' is invalid", c.Transport)
	}
	if c.NegotiationTimeout < 0 || c.PeerTTL < 0 || c.HandshakeTimeout < 0 {
		return errors.New("config: Connection: durations must not be negative")
	}
	if err := (backoff.Backoff{Tiers: c.Reconnect}).Validate(); err != nil {
		return fmt.Errorf("config: Connection: %w", err)
	}
	return nil
}

// ManagerOptions converts the section to connection manager options.
func (c *Connection) ManagerOptions() transport.Options {
	return transport.Options{
		NegotiationTimeout: c.NegotiationTimeout,
		Reconnect:          backoff.Backoff{Tiers: c.Reconnect},
		PeerTTL:            c.PeerTTL,
	}
}

func (c *Logging) applyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *Logging) validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", c.Level)
	}
	c.Level = strings.ToLower(c.Level)
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: Logging: Format '%v' is invalid", c.Format)
	}
	return nil
}

// Apply configures the standard logrus logger. The returned function closes
// the log file, if one was opened.
func (c *Logging) Apply() (func() error, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)
	if c.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if c.File == "" {
		return func() error { return nil }, nil
	}
	f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(f)
	return f.Close, nil
}

// FixupAndValidate applies defaults to missing entries and validates the
// configuration. Load calls it.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Identity == nil {
		cfg.Identity = &Identity{}
	}
	if cfg.Queue == nil {
		cfg.Queue = &Queue{}
	}
	if cfg.Delivery == nil {
		cfg.Delivery = &Delivery{}
	}
	if cfg.Connection == nil {
		cfg.Connection = &Connection{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	cfg.Identity.applyDefaults()
	cfg.Queue.applyDefaults()
	cfg.Delivery.applyDefaults()
	cfg.Connection.applyDefaults()
	cfg.Logging.applyDefaults()

	for _, validate := range []func() error{
		cfg.Identity.validate,
		cfg.Queue.validate,
		cfg.Delivery.validate,
		cfg.Connection.validate,
		cfg.Logging.validate,
	} {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load parses and validates b as a TOML config file body.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q", undecoded[0].String())
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
