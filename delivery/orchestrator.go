package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/kem"
	"github.com/opd-ai/peerpost/clock"
	"github.com/opd-ai/peerpost/crypto"
	"github.com/opd-ai/peerpost/limits"
	"github.com/opd-ai/peerpost/metrics"
	"github.com/opd-ai/peerpost/queue"
	"github.com/opd-ai/peerpost/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxAttempts         = 5
	DefaultDeferralsPerAttempt = 3
	DefaultAckTimeout          = 5 * time.Second
	DefaultRetention           = 24 * time.Hour
	DefaultCleanupInterval     = 10 * time.Minute
	DefaultDedupeTTL           = time.Hour
)

// KeyProvider is the identity collaborator. *crypto.Keyring satisfies it.
type KeyProvider interface {
	PublicKey(peerID string) (kem.PublicKey, error)
	PrivateKey() kem.PrivateKey
}

// Connector is the part of *transport.Manager the orchestrator drives.
type Connector interface {
	GetOrConnect(peerID string) (transport.Handle, error)
	Send(peerID string, frame []byte) error
	State(peerID string) transport.State
	Subscribe(fn func(transport.StateChange)) func()
	SetFrameHandler(fn transport.FrameHandler)
}

// Options configures an Orchestrator.
type Options struct {
	// MaxAttempts is the number of failed attempts after which a message
	// becomes failed-permanent.
	MaxAttempts int
	// DeferralsPerAttempt consecutive "not connected" outcomes count as one
	// failed attempt, so unreachable recipients still exhaust MaxAttempts.
	DeferralsPerAttempt int
	// AckTimeout bounds the wait for the recipient's acknowledgment.
	AckTimeout time.Duration
	// OptimisticDelivery marks a message delivered as soon as its frame is
	// handed to the connection, without waiting for an acknowledgment. This
	// is best effort only: a frame lost in transit is never retried.
	OptimisticDelivery bool
	// Retention keeps delivered records this long before cleanup removes them.
	Retention       time.Duration
	CleanupInterval time.Duration
	// DedupeTTL is how long received message ids are remembered.
	DedupeTTL time.Duration
	Metrics   *metrics.Metrics
	Clock     clock.Clock
}

// DefaultOptions returns acknowledged delivery with five attempts.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:         DefaultMaxAttempts,
		DeferralsPerAttempt: DefaultDeferralsPerAttempt,
		AckTimeout:          DefaultAckTimeout,
		Retention:           DefaultRetention,
		CleanupInterval:     DefaultCleanupInterval,
		DedupeTTL:           DefaultDedupeTTL,
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.DeferralsPerAttempt <= 0 {
		o.DeferralsPerAttempt = d.DeferralsPerAttempt
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = d.CleanupInterval
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = d.DedupeTTL
	}
}

// Orchestrator moves queued messages to their recipients. It encrypts on
// Send, persists through the queue store, and runs a dispatch loop that
// attempts only the head-of-line message of each recipient.
type Orchestrator struct {
	store   *queue.Store
	conn    Connector
	keys    KeyProvider
	pool    *crypto.Pool
	opts    Options
	clock   clock.Clock
	seen    *SeenCache
	metrics *metrics.Metrics

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	waiting map[string]*ackWaiter
	closed  bool

	unsubscribe func()

	results   subscribers[DeliveryResult]
	incoming  subscribers[IncomingMessage]
	decryptFs subscribers[DecryptionFailure]
}

type ackWaiter struct {
	recipient string
	sentAt    time.Time
	timer     clock.Timer
}

// New wires an orchestrator to its collaborators and installs itself as the
// connector's frame handler. The store should already be loaded. The caller
// keeps ownership of store, conn and pool.
func New(store *queue.Store, conn Connector, keys KeyProvider, pool *crypto.Pool, opts Options) *Orchestrator {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:   store,
		conn:    conn,
		keys:    keys,
		pool:    pool,
		opts:    opts,
		clock:   clock.OrReal(opts.Clock),
		metrics: opts.Metrics,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		waiting: make(map[string]*ackWaiter),
	}
	o.seen = NewSeenCache(opts.DedupeTTL, o.clock)
	conn.SetFrameHandler(o.handleFrame)
	o.unsubscribe = conn.Subscribe(o.stateChanged)
	return o
}

// OnDeliveryResult registers fn for terminal outcomes. Every message produces
// exactly one result. The returned function unregisters fn.
func (o *Orchestrator) OnDeliveryResult(fn func(DeliveryResult)) func() {
	return o.results.add(fn)
}

// OnIncomingMessage registers fn for decrypted inbound messages.
func (o *Orchestrator) OnIncomingMessage(fn func(IncomingMessage)) func() {
	return o.incoming.add(fn)
}

// OnDecryptionError registers fn for inbound envelopes that failed to decrypt.
func (o *Orchestrator) OnDecryptionError(fn func(DecryptionFailure)) func() {
	return o.decryptFs.add(fn)
}

// Send encrypts plaintext for recipientID, persists the envelope and returns
// the message id. Delivery happens in the background; the outcome arrives
// through OnDeliveryResult. The plaintext is not retained.
func (o *Orchestrator) Send(ctx context.Context, conversationID, recipientID string, plaintext []byte) (string, error) {
	if o.isClosed() {
		return "", ErrClosed
	}
	if recipientID == "" {
		return "", errors.New("send: recipient required")
	}
	if err := limits.ValidateConversationID(conversationID); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	pub, err := o.keys.PublicKey(recipientID)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	env, err := o.pool.Encrypt(ctx, plaintext, pub)
	if err != nil {
		return "", fmt.Errorf("send: encrypt: %w", err)
	}
	return o.enqueue(conversationID, recipientID, env)
}

// SendMany encrypts plaintext separately for every recipient and queues one
// message each. It returns message ids keyed by recipient. Nothing is queued
// unless every recipient key resolves and every encryption succeeds.
func (o *Orchestrator) SendMany(ctx context.Context, conversationID string, recipientIDs []string, plaintext []byte) (map[string]string, error) {
	if o.isClosed() {
		return nil, ErrClosed
	}
	if err := limits.ValidateConversationID(conversationID); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	keys := make(map[string]kem.PublicKey, len(recipientIDs))
	for _, id := range recipientIDs {
		pub, err := o.keys.PublicKey(id)
		if err != nil {
			return nil, fmt.Errorf("send: %w", err)
		}
		keys[id] = pub
	}
	envs, err := o.pool.EncryptFanout(ctx, plaintext, keys)
	if err != nil {
		return nil, fmt.Errorf("send: encrypt: %w", err)
	}

	ids := make(map[string]string, len(envs))
	for _, recipient := range recipientIDs {
		if _, done := ids[recipient]; done {
			continue
		}
		id, err := o.enqueue(conversationID, recipient, envs[recipient])
		if err != nil {
			return ids, err
		}
		ids[recipient] = id
	}
	return ids, nil
}

func (o *Orchestrator) enqueue(conversationID, recipientID string, env *crypto.Envelope) (string, error) {
	data, err := env.Marshal()
	if err != nil {
		return "", fmt.Errorf("send: encode envelope: %w", err)
	}
	// Message ids are UUIDs, so the nil UUID sizes the frame exactly.
	if _, err := EncodeFrame(&Frame{
		Type:           FrameData,
		ID:             uuid.Nil.String(),
		ConversationID: conversationID,
		Envelope:       data,
	}); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	id, err := o.store.Enqueue(&queue.QueuedMessage{
		ConversationID: conversationID,
		RecipientID:    recipientID,
		Envelope:       data,
	})
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	o.metrics.Enqueued()
	logrus.WithFields(logrus.Fields{
		"function":     "Send",
		"package":      "delivery",
		"message_id":   id,
		"recipient_id": recipientID,
	}).Debug("Message queued")
	o.Wake()
	return id, nil
}

// Message returns the queue record of a message.
func (o *Orchestrator) Message(id string) (queue.QueuedMessage, error) {
	return o.store.Get(id)
}

// Wake makes the dispatch loop run a cycle now.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run is the dispatch loop. It sleeps until the earliest retry time of a
// waiting message and is woken early by Send, by peers connecting and by
// attempts completing. Run returns when ctx ends or the orchestrator is
// closed.
func (o *Orchestrator) Run(ctx context.Context) error {
	var timer clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	cleanup := make(chan struct{}, 1)
	var cleanupTimer clock.Timer
	armCleanup := func() {
		cleanupTimer = o.clock.AfterFunc(o.opts.CleanupInterval, func() {
			select {
			case cleanup <- struct{}{}:
			default:
			}
		})
	}
	armCleanup()
	defer func() { cleanupTimer.Stop() }()

	for {
		o.Dispatch()
		o.observeQueue()

		if timer != nil {
			timer.Stop()
			timer = nil
		}
		if next, ok := o.store.NextWake(); ok {
			timer = o.clock.AfterFunc(next.Sub(o.clock.Now()), o.Wake)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.ctx.Done():
			return ErrClosed
		case <-o.wake:
		case <-cleanup:
			if _, err := o.Cleanup(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Run",
					"package":  "delivery",
					"error":    err.Error(),
				}).Warn("Queue cleanup failed")
			}
			armCleanup()
		}
	}
}

// Dispatch runs one cycle: every recipient whose head-of-line message is due
// gets one attempt. It returns the number of messages claimed. Concurrent
// calls are safe; a message is only ever claimed by one of them.
func (o *Orchestrator) Dispatch() int {
	if o.isClosed() {
		return 0
	}
	now := o.clock.Now()
	claimed := 0
	for _, head := range o.store.Heads() {
		if !head.Due(now) {
			continue
		}
		if o.attempt(head) {
			claimed++
		}
	}
	return claimed
}

func (o *Orchestrator) attempt(m queue.QueuedMessage) bool {
	claimed, err := o.store.MarkInFlight(m.ID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "attempt",
			"package":    "delivery",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Debug("Message already claimed")
		return false
	}

	if o.conn.State(claimed.RecipientID) != transport.Connected {
		if _, err := o.conn.GetOrConnect(claimed.RecipientID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "attempt",
				"package":      "delivery",
				"recipient_id": claimed.RecipientID,
				"error":        err.Error(),
			}).Warn("Connect attempt failed")
		}
		o.deferAttempt(claimed)
		return true
	}

	frame, err := EncodeFrame(&Frame{
		Type:           FrameData,
		ID:             claimed.ID,
		ConversationID: claimed.ConversationID,
		Envelope:       claimed.Envelope,
	})
	if err != nil {
		o.abandon(claimed, err)
		return true
	}

	// The waiter exists before the frame leaves, so an ack racing the
	// return of Send always finds it.
	if !o.opts.OptimisticDelivery && !o.await(claimed) {
		if _, err := o.store.Release(claimed.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "attempt",
				"package":    "delivery",
				"message_id": claimed.ID,
				"error":      err.Error(),
			}).Warn("Failed to release message after close")
		}
		return false
	}
	o.metrics.Attempt()
	if err := o.conn.Send(claimed.RecipientID, frame); err != nil {
		owned := o.opts.OptimisticDelivery || o.takeWaiter(claimed.ID, claimed.RecipientID) != nil
		if !owned {
			return true
		}
		if errors.Is(err, transport.ErrNotConnected) {
			o.deferAttempt(claimed)
		} else {
			o.fail(claimed, err)
		}
		return true
	}

	if o.opts.OptimisticDelivery {
		if updated, err := o.store.MarkDelivered(claimed.ID); err == nil {
			o.finish(updated, nil)
		}
		o.Wake()
	}
	return true
}

// deferAttempt handles a recipient that is not connected. Only every
// DeferralsPerAttempt-th deferral consumes an attempt.
func (o *Orchestrator) deferAttempt(m queue.QueuedMessage) {
	if m.Deferrals+1 >= o.opts.DeferralsPerAttempt {
		o.fail(m, transport.ErrNotConnected)
		return
	}
	if _, err := o.store.MarkDeferred(m.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deferAttempt",
			"package":    "delivery",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Error("Failed to reschedule message")
		return
	}
	o.metrics.Deferred()
}

// fail records a failed attempt on an in-flight message. The last allowed
// attempt makes the failure permanent.
func (o *Orchestrator) fail(m queue.QueuedMessage, cause error) {
	permanent := m.Attempts+1 >= o.opts.MaxAttempts
	updated, err := o.store.MarkFailed(m.ID, permanent, cause)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "fail",
			"package":    "delivery",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Error("Failed to record failed attempt")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":      "fail",
		"package":       "delivery",
		"message_id":    m.ID,
		"recipient_id":  m.RecipientID,
		"attempts":      updated.Attempts,
		"next_retry_at": updated.NextRetryAt,
		"cause":         cause.Error(),
	}).Info("Delivery attempt failed")

	if permanent {
		o.finish(updated, fmt.Errorf("%w: %v", ErrMaxAttemptsExceeded, cause))
	}
	o.Wake()
}

// abandon fails an in-flight message permanently without spending the
// remaining attempts.
func (o *Orchestrator) abandon(m queue.QueuedMessage, cause error) {
	updated, err := o.store.MarkFailed(m.ID, true, cause)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "abandon",
			"package":    "delivery",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Error("Failed to record permanent failure")
		return
	}
	o.finish(updated, cause)
	o.Wake()
}

func (o *Orchestrator) finish(m queue.QueuedMessage, err error) {
	o.metrics.Result(m.Status.String())
	fields := logrus.Fields{
		"function":     "finish",
		"package":      "delivery",
		"message_id":   m.ID,
		"recipient_id": m.RecipientID,
		"status":       m.Status.String(),
		"attempts":     m.Attempts,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Message delivery failed permanently")
	} else {
		logrus.WithFields(fields).Debug("Message delivered")
	}
	o.results.emit(DeliveryResult{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		RecipientID:    m.RecipientID,
		Status:         m.Status,
		Attempts:       m.Attempts,
		Err:            err,
		At:             o.clock.Now(),
	})
}

// await registers the ack waiter for m. It reports false once the
// orchestrator is closed, since Close no longer sees new waiters.
func (o *Orchestrator) await(m queue.QueuedMessage) bool {
	w := &ackWaiter{recipient: m.RecipientID, sentAt: o.clock.Now()}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.waiting[m.ID] = w
	w.timer = o.clock.AfterFunc(o.opts.AckTimeout, func() { o.ackExpired(m.ID, w) })
	return true
}

// takeWaiter removes and returns the waiter for id if it belongs to
// recipient.
func (o *Orchestrator) takeWaiter(id, recipient string) *ackWaiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.waiting[id]
	if !ok || w.recipient != recipient {
		return nil
	}
	delete(o.waiting, id)
	w.timer.Stop()
	return w
}

func (o *Orchestrator) ackExpired(id string, w *ackWaiter) {
	o.mu.Lock()
	if o.waiting[id] != w {
		o.mu.Unlock()
		return
	}
	delete(o.waiting, id)
	o.mu.Unlock()

	m, err := o.store.Get(id)
	if err != nil || m.Status != queue.StatusInFlight {
		return
	}
	o.fail(m, ErrAckTimeout)
}

func (o *Orchestrator) stateChanged(change transport.StateChange) {
	o.metrics.Transition(change.New.String())
	switch change.New {
	case transport.Connected:
		o.Wake()
	case transport.Disconnected, transport.Idle:
		o.interrupt(change.PeerID, false)
	case transport.Closed:
		o.interrupt(change.PeerID, true)
	}
}

// interrupt ends every attempt awaiting an acknowledgment from peerID. A
// lost connection counts as a failed attempt; a locally closed one releases
// the message back to pending untouched.
func (o *Orchestrator) interrupt(peerID string, release bool) {
	o.mu.Lock()
	var ids []string
	for id, w := range o.waiting {
		if w.recipient == peerID {
			w.timer.Stop()
			delete(o.waiting, id)
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	for _, id := range ids {
		m, err := o.store.Get(id)
		if err != nil || m.Status != queue.StatusInFlight {
			continue
		}
		if release {
			if _, err := o.store.Release(id); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "interrupt",
					"package":    "delivery",
					"message_id": id,
					"error":      err.Error(),
				}).Error("Failed to release message")
			}
			continue
		}
		o.fail(m, ErrPeerDisconnected)
	}
	if len(ids) > 0 {
		o.Wake()
	}
}

// handleFrame is the connector's frame handler. Frames from one peer arrive
// in order on that peer's worker goroutine.
func (o *Orchestrator) handleFrame(peerID string, data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		o.metrics.MalformedFrame()
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"package":  "delivery",
			"peer_id":  peerID,
			"size":     len(data),
			"error":    err.Error(),
		}).Warn("Dropping malformed frame")
		return
	}
	switch f.Type {
	case FrameData:
		o.receive(peerID, f)
	case FrameAck, FrameNack:
		o.acknowledged(peerID, f)
	}
}

func (o *Orchestrator) receive(peerID string, f *Frame) {
	if o.seen.Seen(peerID, f.ID) {
		o.metrics.Duplicate()
		o.reply(peerID, FrameAck, f.ID, "")
		return
	}

	plaintext, err := o.open(f.Envelope)
	if err != nil {
		var derr *crypto.DecryptionError
		if !errors.As(err, &derr) {
			// Shutting down; the sender retries after its ack timeout.
			logrus.WithFields(logrus.Fields{
				"function":   "receive",
				"package":    "delivery",
				"peer_id":    peerID,
				"message_id": f.ID,
				"error":      err.Error(),
			}).Debug("Inbound message not processed")
			return
		}
		o.metrics.DecryptFailed()
		logrus.WithFields(logrus.Fields{
			"function":   "receive",
			"package":    "delivery",
			"peer_id":    peerID,
			"message_id": f.ID,
			"reason":     derr.Reason,
		}).Warn("Rejecting undecryptable message")
		o.decryptFs.emit(DecryptionFailure{SenderID: peerID, MessageID: f.ID, Err: err})
		o.reply(peerID, FrameNack, f.ID, derr.Reason)
		return
	}

	if !o.seen.CheckAndStore(peerID, f.ID) {
		o.metrics.Duplicate()
		o.reply(peerID, FrameAck, f.ID, "")
		return
	}
	o.metrics.Received()
	o.incoming.emit(IncomingMessage{
		SenderID:       peerID,
		ConversationID: f.ConversationID,
		MessageID:      f.ID,
		Plaintext:      plaintext,
		ReceivedAt:     o.clock.Now(),
	})
	o.reply(peerID, FrameAck, f.ID, "")
}

func (o *Orchestrator) open(data []byte) ([]byte, error) {
	env, err := crypto.UnmarshalEnvelope(data)
	if err != nil {
		return nil, err
	}
	return o.pool.Decrypt(o.ctx, env, o.keys.PrivateKey())
}

func (o *Orchestrator) reply(peerID string, t FrameType, id, reason string) {
	frame, err := EncodeFrame(&Frame{Type: t, ID: id, Reason: reason})
	if err == nil {
		err = o.conn.Send(peerID, frame)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "reply",
			"package":    "delivery",
			"peer_id":    peerID,
			"message_id": id,
			"type":       t.String(),
			"error":      err.Error(),
		}).Debug("Failed to send reply")
	}
}

// acknowledged applies an Ack or Nack from peerID. A late Ack for a message
// that was already rescheduled still delivers it.
func (o *Orchestrator) acknowledged(peerID string, f *Frame) {
	w := o.takeWaiter(f.ID, peerID)
	m, err := o.store.Get(f.ID)
	if err != nil || m.RecipientID != peerID {
		logrus.WithFields(logrus.Fields{
			"function":   "acknowledged",
			"package":    "delivery",
			"peer_id":    peerID,
			"message_id": f.ID,
			"type":       f.Type.String(),
		}).Debug("Ignoring reply for unknown message")
		return
	}
	defer o.Wake()

	if f.Type == FrameAck {
		updated, err := o.store.MarkDelivered(f.ID)
		if err != nil {
			return
		}
		if w != nil {
			o.metrics.AckLatency(o.clock.Since(w.sentAt))
		}
		o.finish(updated, nil)
		return
	}

	if m.Status == queue.StatusPending {
		if _, err := o.store.MarkInFlight(f.ID); err != nil {
			return
		}
	}
	cause := fmt.Errorf("%w: %s", ErrRejected, f.Reason)
	updated, err := o.store.MarkFailed(f.ID, true, cause)
	if err != nil {
		return
	}
	o.finish(updated, cause)
}

// Cleanup removes old delivered records, failed-permanent records and
// expired dedupe entries. Run calls it every CleanupInterval.
func (o *Orchestrator) Cleanup() (int, error) {
	o.seen.Sweep()
	n, err := o.store.Cleanup(o.clock.Now(), o.opts.Retention)
	o.metrics.Cleaned(n)
	o.observeQueue()
	return n, err
}

func (o *Orchestrator) observeQueue() {
	if o.metrics == nil {
		return
	}
	s := o.store.Stats()
	o.metrics.QueueSize(queue.StatusPending.String(), s.Pending)
	o.metrics.QueueSize(queue.StatusInFlight.String(), s.InFlight)
	o.metrics.QueueSize(queue.StatusDelivered.String(), s.Delivered)
	o.metrics.QueueSize(queue.StatusFailedPermanent.String(), s.FailedPermanent)
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Close stops Run, detaches from the connector and returns messages still
// awaiting an acknowledgment to pending. It does not close the store, the
// connector or the pool.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	waiting := o.waiting
	o.waiting = make(map[string]*ackWaiter)
	o.mu.Unlock()

	o.cancel()
	o.unsubscribe()
	o.conn.SetFrameHandler(nil)

	var errs []error
	for id, w := range waiting {
		w.timer.Stop()
		if _, err := o.store.Release(id); err != nil && !errors.Is(err, queue.ErrNotInFlight) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
