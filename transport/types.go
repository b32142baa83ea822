package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when the peer is not Connected. It
	// is transient and expected: the caller decides whether to wait or retry.
	ErrNotConnected = errors.New("peer not connected")
	// ErrNegotiationTimeout is attached to the Negotiating -> Idle state change
	// when no channel became ready in time.
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	// ErrLinkClosed is returned by operations on a closed link.
	ErrLinkClosed = errors.New("link closed")
	// ErrMalformedSignal is returned when an inbound signaling payload cannot
	// be decoded or does not fit the peer's current state.
	ErrMalformedSignal = errors.New("malformed signal")
	// ErrSignalGlare is returned when both peers sent offers at once and the
	// remote offer lost the tie-break.
	ErrSignalGlare = errors.New("simultaneous offers")
	// ErrManagerClosed is returned after Shutdown.
	ErrManagerClosed = errors.New("connection manager shut down")
)

// SendError wraps a transport-level failure to hand bytes to a connected
// channel. It is transient.
type SendError struct {
	PeerID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.PeerID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// State is the connection state of one peer.
type State uint8

const (
	// Idle means no connection attempt is in progress.
	Idle State = iota
	// Negotiating means signaling is under way and the channel is not ready.
	Negotiating
	// Connected means the reliable channel is open.
	Connected
	// Disconnected means an open channel failed; a reconnect is scheduled.
	Disconnected
	// Closed is terminal for this peer instance.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// StateChange is emitted for every transition of a peer's state machine.
type StateChange struct {
	PeerID string
	Old    State
	New    State
	// Err explains failures: ErrNegotiationTimeout, a link error, or nil.
	Err error
}

// Role says which side of the signaling exchange a link plays.
type Role uint8

const (
	// RoleInitiator creates the offer.
	RoleInitiator Role = iota
	// RoleResponder accepts an offer and creates the answer.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// LinkEvents are the callbacks a Link reports through. They may be invoked
// from any goroutine, including synchronously from inside Link methods, and
// must not block.
type LinkEvents struct {
	// OnOpen fires once when the reliable channel is ready.
	OnOpen func()
	// OnMessage delivers one complete inbound frame.
	OnMessage func(frame []byte)
	// OnClose fires at most once when the channel fails or the remote end
	// closes it. It does not fire for a local Close.
	OnClose func(err error)
}

// Link is one negotiated channel to one peer.
type Link interface {
	// LocalSignal returns this side's signaling payload: the offer for an
	// initiator, the answer for a responder once the offer was accepted.
	// Repeated calls return the same payload.
	LocalSignal(ctx context.Context) ([]byte, error)
	// AcceptSignal applies the remote side's payload.
	AcceptSignal(payload []byte) error
	// Send hands one frame to the channel without waiting for the network.
	Send(frame []byte) error
	// Close tears the channel down.
	Close() error
}

// Transport creates links. Implementations own sockets, listeners and
// similar shared resources.
type Transport interface {
	NewLink(peerID string, role Role, events LinkEvents) (Link, error)
	Close() error
}
