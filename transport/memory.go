package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrRemoteClosed is reported through OnClose when the other end of an
// in-memory link goes away.
var ErrRemoteClosed = errors.New("remote closed link")

// MemoryNetwork connects MemoryTransports inside one process. It carries no
// bytes over sockets and supports fault injection, which makes it the
// transport for tests and local demos.
type MemoryNetwork struct {
	mu          sync.Mutex
	offers      map[string]*memoryLink
	answers     map[string]*memoryLink
	open        map[*memoryLink]struct{}
	sendErr     map[route]error
	drop        map[route]bool
	unreachable map[string]bool
}

type route struct{ from, to string }

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		offers:      make(map[string]*memoryLink),
		answers:     make(map[string]*memoryLink),
		open:        make(map[*memoryLink]struct{}),
		sendErr:     make(map[route]error),
		drop:        make(map[route]bool),
		unreachable: make(map[string]bool),
	}
}

// Transport returns a transport for the node selfID.
func (n *MemoryNetwork) Transport(selfID string) *MemoryTransport {
	return &MemoryTransport{network: n, self: selfID, links: make(map[*memoryLink]struct{})}
}

// SetSendError makes sends from -> to fail with err. A nil err clears it.
func (n *MemoryNetwork) SetSendError(from, to string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.sendErr, route{from, to})
		return
	}
	n.sendErr[route{from, to}] = err
}

// SetDrop silently discards frames sent from -> to.
func (n *MemoryNetwork) SetDrop(from, to string, drop bool) {
	n.mu.Lock()
	n.drop[route{from, to}] = drop
	n.mu.Unlock()
}

// SetUnreachable prevents any new link involving peerID from opening.
// Signaling still succeeds, so negotiations run into their timeout.
func (n *MemoryNetwork) SetUnreachable(peerID string, unreachable bool) {
	n.mu.Lock()
	n.unreachable[peerID] = unreachable
	n.mu.Unlock()
}

// Disconnect fails every open link between a and b as a network loss would,
// reporting OnClose on both ends. It returns the number of links broken.
func (n *MemoryNetwork) Disconnect(a, b string) int {
	n.mu.Lock()
	var victims []*memoryLink
	for l := range n.open {
		if (l.self == a && l.peer == b) || (l.self == b && l.peer == a) {
			victims = append(victims, l)
			delete(n.open, l)
		}
	}
	n.mu.Unlock()

	for _, l := range victims {
		l.fail(errors.New("network unreachable"))
	}
	return len(victims) / 2
}

func (n *MemoryNetwork) fault(from, to string) (error, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sendErr[route{from, to}], n.drop[route{from, to}]
}

// MemoryTransport is one node's view of a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	self    string

	mu     sync.Mutex
	links  map[*memoryLink]struct{}
	closed bool
}

// NewLink implements Transport.
func (t *MemoryTransport) NewLink(peerID string, role Role, events LinkEvents) (Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrLinkClosed
	}
	l := &memoryLink{
		transport: t,
		self:      t.self,
		peer:      peerID,
		role:      role,
		events:    events,
	}
	t.links[l] = struct{}{}
	return l, nil
}

// Close implements Transport. Open links fail on the remote side.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	links := make([]*memoryLink, 0, len(t.links))
	for l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
	return nil
}

type memorySignal struct {
	From    string `cbor:"1,keyasint"`
	To      string `cbor:"2,keyasint"`
	Session string `cbor:"3,keyasint"`
}

type memoryLink struct {
	transport *MemoryTransport
	self      string
	peer      string
	role      Role
	events    LinkEvents

	mu       sync.Mutex
	session  string
	accepted bool
	remote   *memoryLink
	closed   bool
}

func (l *memoryLink) network() *MemoryNetwork { return l.transport.network }

func (l *memoryLink) LocalSignal(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLinkClosed
	}

	n := l.network()
	switch l.role {
	case RoleInitiator:
		if l.session == "" {
			var b [16]byte
			if _, err := rand.Read(b[:]); err != nil {
				return nil, err
			}
			l.session = hex.EncodeToString(b[:])
			n.mu.Lock()
			n.offers[l.session] = l
			n.mu.Unlock()
		}
	case RoleResponder:
		if !l.accepted {
			return nil, errors.New("no offer accepted yet")
		}
		n.mu.Lock()
		n.answers[l.session] = l
		n.mu.Unlock()
	}
	return cbor.Marshal(&memorySignal{From: l.self, To: l.peer, Session: l.session})
}

func (l *memoryLink) AcceptSignal(payload []byte) error {
	var sig memorySignal
	if err := cbor.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("decode memory signal: %w", err)
	}
	if sig.From != l.peer || sig.To != l.self || sig.Session == "" {
		return fmt.Errorf("signal routed %s -> %s, expected %s -> %s", sig.From, sig.To, l.peer, l.self)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if l.role == RoleResponder {
		l.session = sig.Session
		l.accepted = true
		l.mu.Unlock()
		return nil
	}
	if sig.Session != l.session {
		l.mu.Unlock()
		return errors.New("answer for a different session")
	}
	l.mu.Unlock()

	n := l.network()
	n.mu.Lock()
	remote := n.answers[sig.Session]
	if remote == nil {
		n.mu.Unlock()
		return errors.New("answer without a pending responder")
	}
	delete(n.answers, sig.Session)
	delete(n.offers, sig.Session)
	blocked := n.unreachable[l.self] || n.unreachable[l.peer]
	if !blocked {
		n.open[l] = struct{}{}
		n.open[remote] = struct{}{}
	}
	n.mu.Unlock()
	if blocked {
		return nil
	}

	l.mu.Lock()
	l.remote = remote
	l.mu.Unlock()
	remote.mu.Lock()
	remote.remote = l
	remote.mu.Unlock()

	remote.events.OnOpen()
	l.events.OnOpen()
	return nil
}

func (l *memoryLink) Send(frame []byte) error {
	l.mu.Lock()
	closed, remote := l.closed, l.remote
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	if remote == nil {
		return errors.New("link not open")
	}

	sendErr, drop := l.network().fault(l.self, l.peer)
	if sendErr != nil {
		return sendErr
	}
	if drop {
		return nil
	}
	remote.deliver(frame)
	return nil
}

func (l *memoryLink) deliver(frame []byte) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	l.events.OnMessage(cp)
}

// fail closes the link because of a network error and reports it.
func (l *memoryLink) fail(err error) {
	if l.shutdown() {
		l.events.OnClose(err)
	}
}

// shutdown marks the link closed and returns whether this call did it.
func (l *memoryLink) shutdown() bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	session := l.session
	l.remote = nil
	l.mu.Unlock()

	n := l.network()
	n.mu.Lock()
	if n.offers[session] == l {
		delete(n.offers, session)
	}
	if n.answers[session] == l {
		delete(n.answers, session)
	}
	delete(n.open, l)
	n.mu.Unlock()

	l.transport.mu.Lock()
	delete(l.transport.links, l)
	l.transport.mu.Unlock()
	return true
}

func (l *memoryLink) Close() error {
	l.mu.Lock()
	remote := l.remote
	l.mu.Unlock()
	if !l.shutdown() {
		return nil
	}
	if remote != nil {
		remote.fail(ErrRemoteClosed)
	}
	return nil
}

// SignalRelay carries signaling payloads between Managers in one process.
// Set each manager's Options.OnLocalSignal to relay.Forward(selfID).
type SignalRelay struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewSignalRelay creates an empty relay.
func NewSignalRelay() *SignalRelay {
	return &SignalRelay{managers: make(map[string]*Manager)}
}

// Register makes m reachable as selfID.
func (r *SignalRelay) Register(selfID string, m *Manager) {
	r.mu.Lock()
	r.managers[selfID] = m
	r.mu.Unlock()
}

// Forward returns an OnLocalSignal callback for the node selfID.
func (r *SignalRelay) Forward(selfID string) func(peerID string, payload []byte) {
	return func(peerID string, payload []byte) {
		r.mu.RLock()
		target := r.managers[peerID]
		r.mu.RUnlock()
		if target == nil {
			return
		}
		_ = target.AcceptRemoteSignal(selfID, payload)
	}
}
