package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/peerpost/backoff"
	"github.com/opd-ai/peerpost/clock"
	"github.com/opd-ai/peerpost/limits"
	"github.com/sirupsen/logrus"
)

// DefaultNegotiationTimeout bounds how long a peer may stay Negotiating.
const DefaultNegotiationTimeout = 30 * time.Second

// Options configures a Manager.
type Options struct {
	// SelfID breaks ties when both peers send offers at the same time: the
	// side with the lower id keeps its offer.
	SelfID string
	// NegotiationTimeout moves a Negotiating peer back to Idle.
	NegotiationTimeout time.Duration
	// Reconnect schedules automatic reconnects after a Disconnected
	// transition, tracked per peer.
	Reconnect backoff.Backoff
	// PeerTTL removes peers that saw no traffic for this long. Zero keeps
	// peers until they are removed explicitly.
	PeerTTL time.Duration
	// OnLocalSignal, when set, receives every offer or answer the manager
	// produces on its own (connect attempts, reconnects, answers to inbound
	// offers). Without it the caller pulls payloads with ProvideLocalSignal.
	OnLocalSignal func(peerID string, payload []byte)
	Clock         clock.Clock
}

// DefaultOptions returns a 30s negotiation timeout and the default reconnect
// backoff.
func DefaultOptions() Options {
	return Options{
		NegotiationTimeout: DefaultNegotiationTimeout,
		Reconnect:          backoff.Default(),
	}
}

// FrameHandler receives inbound frames in arrival order per peer.
type FrameHandler func(peerID string, frame []byte)

// Manager owns one state machine and at most one link per peer. Transitions
// are serialized per peer; different peers never share a lock on the hot
// path. State changes and inbound frames for a peer are delivered in order on
// that peer's own worker goroutine.
type Manager struct {
	transport Transport
	opts      Options
	clock     clock.Clock

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool

	subMu   sync.RWMutex
	subs    map[uint64]func(StateChange)
	nextSub uint64

	handlerMu sync.RWMutex
	onFrame   FrameHandler

	quit chan struct{}
	wg   sync.WaitGroup
}

type peer struct {
	id     string
	worker *peerWorker

	mu         sync.Mutex
	state      State
	link       Link
	role       Role
	gen        uint64
	negTimer   clock.Timer
	retryTimer clock.Timer
	reconnects int
	lastActive time.Time
}

// Handle refers to a peer inside a Manager. It stays valid across the peer's
// state changes but not across Closed.
type Handle struct {
	PeerID string
	m      *Manager
}

// State returns the peer's current state.
func (h Handle) State() State {
	return h.m.State(h.PeerID)
}

// Send is Manager.Send for this peer.
func (h Handle) Send(frame []byte) error {
	return h.m.Send(h.PeerID, frame)
}

// NewManager creates a manager over transport. The transport stays owned by
// the caller.
func NewManager(transport Transport, opts Options) *Manager {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if len(opts.Reconnect.Tiers) == 0 {
		opts.Reconnect = backoff.Default()
	}
	m := &Manager{
		transport: transport,
		opts:      opts,
		clock:     clock.OrReal(opts.Clock),
		peers:     make(map[string]*peer),
		subs:      make(map[uint64]func(StateChange)),
		quit:      make(chan struct{}),
	}
	if opts.PeerTTL > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return m
}

// Subscribe registers fn for every state change and returns the function
// that unregisters it. fn runs on per-peer worker goroutines: calls for one
// peer are ordered, calls for different peers may be concurrent.
func (m *Manager) Subscribe(fn func(StateChange)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// SetFrameHandler sets the receiver for inbound frames.
func (m *Manager) SetFrameHandler(fn FrameHandler) {
	m.handlerMu.Lock()
	m.onFrame = fn
	m.handlerMu.Unlock()
}

// GetOrConnect returns a handle for peerID and starts negotiating if the
// peer is Idle. A Closed peer is replaced by a fresh Idle instance first.
// Disconnected peers keep their scheduled reconnect.
func (m *Manager) GetOrConnect(peerID string) (Handle, error) {
	if peerID == "" {
		return Handle{}, fmt.Errorf("empty peer id")
	}
	p, err := m.peerFor(peerID)
	if err != nil {
		return Handle{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Idle {
		if err := m.startNegotiation(p, RoleInitiator); err != nil {
			return Handle{PeerID: peerID, m: m}, err
		}
	}
	return Handle{PeerID: peerID, m: m}, nil
}

// Send hands frame to the peer's channel. It never blocks waiting for a
// connection: anything but Connected fails at once with ErrNotConnected.
func (m *Manager) Send(peerID string, frame []byte) error {
	p := m.lookup(peerID)
	if p == nil {
		return ErrNotConnected
	}
	if err := limits.ValidateFrame(frame); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Connected || p.link == nil {
		return ErrNotConnected
	}
	if err := p.link.Send(frame); err != nil {
		return &SendError{PeerID: peerID, Err: err}
	}
	p.lastActive = m.clock.Now()
	return nil
}

// State returns the state of peerID. Unknown peers are Idle.
func (m *Manager) State(peerID string) State {
	p := m.lookup(peerID)
	if p == nil {
		return Idle
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Peers returns the state of every known peer.
func (m *Manager) Peers() map[string]State {
	m.mu.Lock()
	snapshot := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		snapshot = append(snapshot, p)
	}
	m.mu.Unlock()

	out := make(map[string]State, len(snapshot))
	for _, p := range snapshot {
		p.mu.Lock()
		out[p.id] = p.state
		p.mu.Unlock()
	}
	return out
}

// Close moves peerID to Closed from any state, cancelling negotiation and
// scheduled reconnects. The Closed instance stays visible until the next
// GetOrConnect or Remove.
func (m *Manager) Close(peerID string) {
	if p := m.lookup(peerID); p != nil {
		m.closePeer(p)
	}
}

// Remove closes peerID and forgets it.
func (m *Manager) Remove(peerID string) {
	m.mu.Lock()
	p := m.peers[peerID]
	delete(m.peers, peerID)
	m.mu.Unlock()
	if p != nil {
		m.closePeer(p)
	}
}

// ProvideLocalSignal returns this side's signaling payload for peerID. For an
// Idle or Disconnected peer it starts a new negotiation and returns the
// offer; for a peer that accepted a remote offer it returns the answer.
func (m *Manager) ProvideLocalSignal(ctx context.Context, peerID string) ([]byte, error) {
	p, err := m.peerFor(peerID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	switch p.state {
	case Idle, Disconnected:
		if err := m.startNegotiation(p, RoleInitiator); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	case Connected:
		p.mu.Unlock()
		return nil, fmt.Errorf("peer %s already connected", peerID)
	}
	link, role, gen := p.link, p.role, p.gen
	p.mu.Unlock()

	return m.localSignal(ctx, p, link, role, gen)
}

// AcceptRemoteSignal applies a payload produced by the remote peer's
// ProvideLocalSignal. Malformed payloads are rejected and logged without
// touching any other peer.
func (m *Manager) AcceptRemoteSignal(peerID string, payload []byte) error {
	logger := logrus.WithFields(logrus.Fields{
		"function": "AcceptRemoteSignal",
		"package":  "transport",
		"peer_id":  peerID,
	})

	sig, err := decodeSignal(payload)
	if err != nil {
		logger.WithError(err).Warn("Rejected inbound signal")
		return err
	}
	p, err := m.peerFor(peerID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if sig.Kind == SignalAnswer {
		err := m.acceptAnswer(p, sig.Payload)
		p.mu.Unlock()
		if err != nil {
			logger.WithError(err).Warn("Rejected inbound answer")
		}
		return err
	}

	err = m.acceptOffer(p, sig.Payload)
	var link Link
	var gen uint64
	if err == nil {
		link, gen = p.link, p.gen
	}
	p.mu.Unlock()

	if err != nil {
		logger.WithError(err).Warn("Rejected inbound offer")
		return err
	}
	if m.opts.OnLocalSignal != nil {
		m.pushLocalSignal(p, link, RoleResponder, gen)
	}
	return nil
}

// acceptAnswer runs with p.mu held.
func (m *Manager) acceptAnswer(p *peer, payload []byte) error {
	if p.state != Negotiating || p.role != RoleInitiator || p.link == nil {
		return fmt.Errorf("%w: unexpected answer while %s", ErrMalformedSignal, p.state)
	}
	if err := p.link.AcceptSignal(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	return nil
}

// acceptOffer runs with p.mu held.
func (m *Manager) acceptOffer(p *peer, payload []byte) error {
	switch p.state {
	case Negotiating:
		if p.role == RoleInitiator && m.opts.SelfID != "" && m.opts.SelfID < p.id {
			return ErrSignalGlare
		}
		m.dropLink(p)
	case Connected:
		// The remote side restarted and negotiates a new channel.
		m.dropLink(p)
		m.setState(p, Disconnected, fmt.Errorf("remote renegotiated"))
	case Disconnected:
		m.stopTimers(p)
	}

	if err := m.startNegotiation(p, RoleResponder); err != nil {
		return err
	}
	if err := p.link.AcceptSignal(payload); err != nil {
		m.dropLink(p)
		err = fmt.Errorf("%w: %v", ErrMalformedSignal, err)
		m.setState(p, Idle, err)
		return err
	}
	return nil
}

// startNegotiation replaces any link with a fresh one in role and enters
// Negotiating. Runs with p.mu held.
func (m *Manager) startNegotiation(p *peer, role Role) error {
	m.dropLink(p)
	p.gen++
	gen := p.gen

	link, err := m.transport.NewLink(p.id, role, m.linkEvents(p, gen))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "startNegotiation",
			"package":  "transport",
			"peer_id":  p.id,
			"role":     role.String(),
			"error":    err.Error(),
		}).Warn("Failed to create link")
		return fmt.Errorf("create link to %s: %w", p.id, err)
	}
	p.link = link
	p.role = role
	p.lastActive = m.clock.Now()
	if p.state != Negotiating {
		m.setState(p, Negotiating, nil)
	}
	p.negTimer = m.clock.AfterFunc(m.opts.NegotiationTimeout, func() {
		p.worker.submit(func() { m.negotiationExpired(p, gen) })
	})

	if role == RoleInitiator && m.opts.OnLocalSignal != nil {
		m.pushLocalSignal(p, link, role, gen)
	}
	return nil
}

func (m *Manager) linkEvents(p *peer, gen uint64) LinkEvents {
	return LinkEvents{
		OnOpen: func() {
			p.worker.submit(func() { m.linkOpened(p, gen) })
		},
		OnMessage: func(frame []byte) {
			p.worker.submit(func() { m.linkMessage(p, gen, frame) })
		},
		OnClose: func(err error) {
			p.worker.submit(func() { m.linkClosed(p, gen, err) })
		},
	}
}

func (m *Manager) linkOpened(p *peer, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.state != Negotiating {
		return
	}
	if p.negTimer != nil {
		p.negTimer.Stop()
		p.negTimer = nil
	}
	p.reconnects = 0
	p.lastActive = m.clock.Now()
	m.setState(p, Connected, nil)
}

func (m *Manager) linkMessage(p *peer, gen uint64, frame []byte) {
	p.mu.Lock()
	live := p.gen == gen && (p.state == Connected || p.state == Negotiating)
	if live {
		p.lastActive = m.clock.Now()
	}
	p.mu.Unlock()
	if !live {
		return
	}

	if err := limits.ValidateFrame(frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "linkMessage",
			"package":  "transport",
			"peer_id":  p.id,
			"size":     len(frame),
		}).Warn("Dropping invalid inbound frame")
		return
	}

	m.handlerMu.RLock()
	handler := m.onFrame
	m.handlerMu.RUnlock()
	if handler != nil {
		handler(p.id, frame)
	}
}

func (m *Manager) linkClosed(p *peer, gen uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return
	}
	switch p.state {
	case Connected:
		m.dropLink(p)
		m.setState(p, Disconnected, err)
		m.scheduleReconnect(p)
	case Negotiating:
		m.dropLink(p)
		m.setState(p, Idle, err)
	}
}

func (m *Manager) negotiationExpired(p *peer, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.state != Negotiating {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "negotiationExpired",
		"package":  "transport",
		"peer_id":  p.id,
		"timeout":  m.opts.NegotiationTimeout.String(),
	}).Info("Negotiation timed out")
	m.dropLink(p)
	m.setState(p, Idle, ErrNegotiationTimeout)
}

// scheduleReconnect runs with p.mu held.
func (m *Manager) scheduleReconnect(p *peer) {
	delay := m.opts.Reconnect.Delay(p.reconnects)
	p.reconnects++
	gen := p.gen
	p.retryTimer = m.clock.AfterFunc(delay, func() {
		p.worker.submit(func() { m.reconnect(p, gen) })
	})
	logrus.WithFields(logrus.Fields{
		"function": "scheduleReconnect",
		"package":  "transport",
		"peer_id":  p.id,
		"attempt":  p.reconnects,
		"delay":    delay.String(),
	}).Debug("Reconnect scheduled")
}

func (m *Manager) reconnect(p *peer, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.state != Disconnected {
		return
	}
	p.retryTimer = nil
	if err := m.startNegotiation(p, RoleInitiator); err != nil {
		m.scheduleReconnect(p)
	}
}

func (m *Manager) localSignal(ctx context.Context, p *peer, link Link, role Role, gen uint64) ([]byte, error) {
	raw, err := link.LocalSignal(ctx)
	if err != nil {
		return nil, fmt.Errorf("local signal for %s: %w", p.id, err)
	}
	p.mu.Lock()
	stale := p.gen != gen
	p.mu.Unlock()
	if stale {
		return nil, fmt.Errorf("local signal for %s: %w", p.id, ErrLinkClosed)
	}
	kind := SignalOffer
	if role == RoleResponder {
		kind = SignalAnswer
	}
	return encodeSignal(kind, raw)
}

// pushLocalSignal produces the link's signal in the background and hands it
// to OnLocalSignal.
func (m *Manager) pushLocalSignal(p *peer, link Link, role Role, gen uint64) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.NegotiationTimeout)
		defer cancel()
		go func() {
			select {
			case <-m.quit:
				cancel()
			case <-ctx.Done():
			}
		}()

		payload, err := m.localSignal(ctx, p, link, role, gen)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "pushLocalSignal",
				"package":  "transport",
				"peer_id":  p.id,
				"error":    err.Error(),
			}).Warn("Failed to produce local signal")
			return
		}
		m.opts.OnLocalSignal(p.id, payload)
	}()
}

// setState records a transition and queues its notification. Runs with p.mu
// held.
func (m *Manager) setState(p *peer, next State, err error) {
	old := p.state
	if old == next {
		return
	}
	p.state = next
	change := StateChange{PeerID: p.id, Old: old, New: next, Err: err}

	fields := logrus.Fields{
		"function": "setState",
		"package":  "transport",
		"peer_id":  p.id,
		"old":      old.String(),
		"new":      next.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Debug("Peer state changed")

	p.worker.submit(func() { m.publish(change) })
}

func (m *Manager) publish(change StateChange) {
	m.subMu.RLock()
	subs := make([]func(StateChange), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(change)
	}
}

// dropLink closes the current link and invalidates its pending events. Runs
// with p.mu held.
func (m *Manager) dropLink(p *peer) {
	m.stopTimers(p)
	if p.link == nil {
		return
	}
	link := p.link
	p.link = nil
	p.gen++
	if err := link.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dropLink",
			"package":  "transport",
			"peer_id":  p.id,
			"error":    err.Error(),
		}).Debug("Link close reported an error")
	}
}

func (m *Manager) stopTimers(p *peer) {
	if p.negTimer != nil {
		p.negTimer.Stop()
		p.negTimer = nil
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
}

func (m *Manager) closePeer(p *peer) {
	p.mu.Lock()
	if p.state == Closed {
		p.mu.Unlock()
		return
	}
	m.dropLink(p)
	p.gen++
	m.setState(p, Closed, nil)
	p.mu.Unlock()
	p.worker.stop()
}

func (m *Manager) lookup(peerID string) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[peerID]
}

// peerFor returns the live instance for peerID, replacing a Closed one.
func (m *Manager) peerFor(peerID string) (*peer, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		p, ok := m.peers[peerID]
		if !ok {
			p = &peer{
				id:         peerID,
				worker:     newPeerWorker(),
				state:      Idle,
				lastActive: m.clock.Now(),
			}
			m.peers[peerID] = p
			m.mu.Unlock()
			return p, nil
		}
		m.mu.Unlock()

		p.mu.Lock()
		closed := p.state == Closed
		p.mu.Unlock()
		if !closed {
			return p, nil
		}

		m.mu.Lock()
		if m.peers[peerID] == p {
			delete(m.peers, peerID)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	interval := m.opts.PeerTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	tick := make(chan struct{}, 1)
	for {
		timer := m.clock.AfterFunc(interval, func() { tick <- struct{}{} })
		select {
		case <-m.quit:
			timer.Stop()
			return
		case <-tick:
			m.SweepIdle(m.clock.Now())
		}
	}
}

// SweepIdle removes peers that are not negotiating and saw no traffic for
// PeerTTL. It returns the removed ids.
func (m *Manager) SweepIdle(now time.Time) []string {
	if m.opts.PeerTTL <= 0 {
		return nil
	}
	m.mu.Lock()
	snapshot := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		snapshot = append(snapshot, p)
	}
	m.mu.Unlock()

	var expired []string
	for _, p := range snapshot {
		p.mu.Lock()
		idle := p.state != Negotiating && now.Sub(p.lastActive) >= m.opts.PeerTTL
		p.mu.Unlock()
		if idle {
			expired = append(expired, p.id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		m.Remove(id)
	}
	return expired
}

// Shutdown closes every peer and waits for background work. The transport is
// left open.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.quit)
	snapshot := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		snapshot = append(snapshot, p)
	}
	m.mu.Unlock()

	for _, p := range snapshot {
		m.closePeer(p)
	}
	for _, p := range snapshot {
		<-p.worker.done
	}
	m.wg.Wait()
}
