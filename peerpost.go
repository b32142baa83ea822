// Package peerpost delivers end-to-end encrypted messages between peers over
// direct peer-to-peer links.
//
// Outbound messages are encrypted to the recipient's public key, persisted
// in a queue, and delivered in order once a link to the recipient is up.
// Failed attempts are retried with backoff until the recipient acknowledges
// the message or the attempt budget runs out.
//
// Example:
//
//	options := peerpost.NewOptions()
//	options.Keys = keyring
//	options.Transport = transport.NewWebRTCTransport(transport.WebRTCOptions{})
//
//	node, err := peerpost.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.OnIncomingMessage(func(m delivery.IncomingMessage) {
//	    fmt.Printf("Message from %s: %s\n", m.SenderID, m.Plaintext)
//	})
//
//	if err := node.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	id, err := node.Send(ctx, "conversation", peerID, []byte("hello"))
package peerpost

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/katzenpost/hpqc/kem"
	"github.com/opd-ai/peerpost/backoff"
	"github.com/opd-ai/peerpost/clock"
	"github.com/opd-ai/peerpost/crypto"
	"github.com/opd-ai/peerpost/delivery"
	"github.com/opd-ai/peerpost/metrics"
	"github.com/opd-ai/peerpost/queue"
	"github.com/opd-ai/peerpost/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNodeClosed is returned by operations on a closed node.
	ErrNodeClosed = errors.New("node closed")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("node already started")
)

// Options contains configuration options for creating a Node.
type Options struct {
	// Keys holds our identity and the public keys of known peers. Required.
	Keys *crypto.Keyring
	// Transport carries peer links. Required. The node closes it.
	Transport transport.Transport
	// Backend persists the outbound queue. Nil keeps messages in memory
	// only. The node closes it.
	Backend queue.Backend
	// Backoff is the retry schedule for failed sends.
	Backoff backoff.Backoff
	// Connection configures the connection manager. SelfID is always
	// replaced by the id of Keys.
	Connection transport.Options
	Delivery   delivery.Options
	// CryptoWorkers sizes the encryption pool. Zero uses every CPU.
	CryptoWorkers int
	// Registerer, when set, receives the node's Prometheus collectors.
	Registerer prometheus.Registerer
	Clock      clock.Clock
}

// NewOptions returns options with the default retry schedule, connection
// timeouts and delivery policy. Keys and Transport still need to be set.
func NewOptions() *Options {
	return &Options{
		Backoff:    backoff.Default(),
		Connection: transport.DefaultOptions(),
		Delivery:   delivery.DefaultOptions(),
	}
}

// Node is one messaging endpoint: a connection manager, a persistent queue
// and the orchestrator that moves messages between them.
type Node struct {
	keys      *crypto.Keyring
	transport transport.Transport
	manager   *transport.Manager
	store     *queue.Store
	pool      *crypto.Pool
	orch      *delivery.Orchestrator
	metrics   *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// New creates a node. The queue is loaded from the backend before New
// returns; messages found there are delivered once Start is called.
func New(options *Options) (*Node, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "New",
		"package":  "peerpost",
	})

	if options == nil {
		options = NewOptions()
	}
	if options.Keys == nil {
		return nil, errors.New("peerpost: keys required")
	}
	if options.Transport == nil {
		return nil, errors.New("peerpost: transport required")
	}

	m, err := newMetrics(options.Registerer)
	if err != nil {
		return nil, err
	}

	backend := options.Backend
	if backend == nil {
		backend = queue.NewMemoryBackend()
	}
	retry := options.Backoff
	if len(retry.Tiers) == 0 {
		retry = backoff.Default()
	}
	store := queue.NewStore(backend, queue.Options{Backoff: retry, Clock: options.Clock})
	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	connOpts := options.Connection
	connOpts.SelfID = options.Keys.SelfID()
	if connOpts.Clock == nil {
		connOpts.Clock = options.Clock
	}
	manager := transport.NewManager(options.Transport, connOpts)

	pool := crypto.NewPool(options.CryptoWorkers)

	delOpts := options.Delivery
	delOpts.Metrics = m
	if delOpts.Clock == nil {
		delOpts.Clock = options.Clock
	}
	orch := delivery.New(store, manager, options.Keys, pool, delOpts)

	logger.WithFields(logrus.Fields{
		"self_id": connOpts.SelfID,
		"loaded":  loaded,
		"workers": pool.Workers(),
	}).Info("Node created")

	return &Node{
		keys:      options.Keys,
		transport: options.Transport,
		manager:   manager,
		store:     store,
		pool:      pool,
		orch:      orch,
		metrics:   m,
	}, nil
}

func newMetrics(reg prometheus.Registerer) (*metrics.Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	return metrics.New(reg)
}

// ID returns our own peer id.
func (n *Node) ID() string {
	return n.keys.SelfID()
}

// PublicKey returns our public key in the text form read by
// crypto.DecodePublicKey.
func (n *Node) PublicKey() (string, error) {
	return crypto.EncodePublicKey(n.keys.Self().Public)
}

// AddPeer makes a peer known by its public key and returns its id.
func (n *Node) AddPeer(pub kem.PublicKey) (string, error) {
	return n.keys.AddPeer(pub)
}

// RemovePeer forgets a peer's key and closes any link to it. Queued
// messages for the peer stay in the queue.
func (n *Node) RemovePeer(peerID string) {
	n.keys.RemovePeer(peerID)
	n.manager.Remove(peerID)
}

// Peers returns the connection state of every peer the manager tracks.
func (n *Node) Peers() map[string]transport.State {
	return n.manager.Peers()
}

// KnownPeers returns the ids of every peer with a registered public key.
func (n *Node) KnownPeers() []string {
	return n.keys.Peers()
}

// State returns the connection state of a peer.
func (n *Node) State(peerID string) transport.State {
	return n.manager.State(peerID)
}

// Connect starts connecting to a peer unless a link is already up or
// being negotiated.
func (n *Node) Connect(peerID string) error {
	if _, err := n.keys.PublicKey(peerID); err != nil {
		return err
	}
	_, err := n.manager.GetOrConnect(peerID)
	return err
}

// Disconnect closes the link to a peer. Messages awaiting its
// acknowledgment go back to the queue without losing an attempt.
func (n *Node) Disconnect(peerID string) {
	n.manager.Close(peerID)
}

// ProvideLocalSignal returns the next offer or answer to hand to peerID
// out of band.
func (n *Node) ProvideLocalSignal(ctx context.Context, peerID string) ([]byte, error) {
	return n.manager.ProvideLocalSignal(ctx, peerID)
}

// AcceptRemoteSignal applies an offer or answer received out of band from
// peerID.
func (n *Node) AcceptRemoteSignal(peerID string, payload []byte) error {
	return n.manager.AcceptRemoteSignal(peerID, payload)
}

// Send encrypts plaintext for recipientID and queues it. The returned id
// identifies the message in delivery results.
func (n *Node) Send(ctx context.Context, conversationID, recipientID string, plaintext []byte) (string, error) {
	if n.isClosed() {
		return "", ErrNodeClosed
	}
	return n.orch.Send(ctx, conversationID, recipientID, plaintext)
}

// SendMany queues one copy of plaintext for every recipient and returns the
// message id per recipient.
func (n *Node) SendMany(ctx context.Context, conversationID string, recipientIDs []string, plaintext []byte) (map[string]string, error) {
	if n.isClosed() {
		return nil, ErrNodeClosed
	}
	return n.orch.SendMany(ctx, conversationID, recipientIDs, plaintext)
}

// Message returns the queue record of a message.
func (n *Node) Message(id string) (queue.QueuedMessage, error) {
	return n.orch.Message(id)
}

// Pending returns the undelivered messages for a recipient in send order.
func (n *Node) Pending(recipientID string) []queue.QueuedMessage {
	return n.store.Pending(recipientID)
}

// Messages returns every message the queue holds, in send order.
func (n *Node) Messages() []queue.QueuedMessage {
	return n.store.List()
}

// Stats counts the queued messages by status.
func (n *Node) Stats() queue.Stats {
	return n.store.Stats()
}

// Cleanup removes delivered and permanently failed messages older than the
// retention period. Start already does this periodically.
func (n *Node) Cleanup() (int, error) {
	return n.orch.Cleanup()
}

// OnDeliveryResult registers a callback for terminal delivery outcomes.
// The returned function unregisters it.
func (n *Node) OnDeliveryResult(fn func(delivery.DeliveryResult)) func() {
	return n.orch.OnDeliveryResult(fn)
}

// OnIncomingMessage registers a callback for decrypted inbound messages.
func (n *Node) OnIncomingMessage(fn func(delivery.IncomingMessage)) func() {
	return n.orch.OnIncomingMessage(fn)
}

// OnDecryptionError registers a callback for inbound messages that could
// not be decrypted.
func (n *Node) OnDecryptionError(fn func(delivery.DecryptionFailure)) func() {
	return n.orch.OnDecryptionError(fn)
}

// OnConnectionState registers a callback for peer connection transitions.
func (n *Node) OnConnectionState(fn func(transport.StateChange)) func() {
	return n.manager.Subscribe(fn)
}

// Start runs the dispatch loop in the background until Close.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if n.done != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	n.cancel = cancel
	n.done = done

	go func() {
		defer close(done)
		err := n.orch.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, delivery.ErrClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"package":  "peerpost",
				"error":    err.Error(),
			}).Error("Dispatch loop stopped")
		}
	}()
	return nil
}

// Close stops the dispatch loop, returns messages awaiting acknowledgment to
// the queue, closes every link and finally the queue backend. Calling Close
// more than once is safe.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	// Run has returned, so no dispatch can register a waiter after this.
	if err := n.orch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close orchestrator: %w", err))
	}
	n.manager.Shutdown()
	if err := n.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	n.pool.Close()
	if err := n.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"package":  "peerpost",
		"self_id":  n.ID(),
	}).Info("Node closed")
	return errors.Join(errs...)
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}
