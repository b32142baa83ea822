package delivery

import "errors"

var (
	// ErrMaxAttemptsExceeded is the cause reported for a message that used up
	// its delivery attempts.
	ErrMaxAttemptsExceeded = errors.New("max delivery attempts exceeded")
	// ErrRejected is the cause reported when the recipient answered with a
	// Nack: it cannot decrypt the envelope, so retrying is pointless.
	ErrRejected = errors.New("recipient rejected message")
	// ErrAckTimeout marks an attempt whose acknowledgment never arrived.
	ErrAckTimeout = errors.New("timed out waiting for acknowledgment")
	// ErrPeerDisconnected marks an attempt interrupted by a connection loss.
	ErrPeerDisconnected = errors.New("peer disconnected while awaiting acknowledgment")
	// ErrClosed is returned by an orchestrator after Close.
	ErrClosed = errors.New("orchestrator closed")
)
