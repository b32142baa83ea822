package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrInvalidPSK indicates the pre-shared key has the wrong length
	ErrInvalidPSK = errors.New("pre-shared key must be 32 bytes")
)

// PSKSize is the length of the pre-shared key mixed into the handshake.
const PSKSize = 32

// Prologue binds both sides to the same protocol version.
var Prologue = []byte("peerpost/link/v1")

const pskContext = "peerpost/link-psk/v1"

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator sends the first handshake message
	Initiator HandshakeRole = iota
	// Responder answers the first handshake message
	Responder
)

func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// DerivePSK combines the two KEM shared secrets exchanged during signaling
// into the handshake pre-shared key. Only holders of both private keys can
// compute it, so a completed handshake authenticates both peers.
func DerivePSK(offerSecret, answerSecret, session []byte) ([]byte, error) {
	if len(offerSecret) == 0 || len(answerSecret) == 0 {
		return nil, errors.New("derive psk: empty shared secret")
	}
	ikm := make([]byte, 0, len(offerSecret)+len(answerSecret))
	ikm = append(ikm, offerSecret...)
	ikm = append(ikm, answerSecret...)
	defer wipe(ikm)

	psk := make([]byte, PSKSize)
	r := hkdf.New(sha3.New256, ikm, session, []byte(pskContext))
	if _, err := io.ReadFull(r, psk); err != nil {
		return nil, fmt.Errorf("derive psk: %w", err)
	}
	return psk, nil
}

// PSKHandshake implements Noise_NNpsk0. Neither side has a static Noise key;
// authentication comes entirely from the pre-shared key.
//
//	-> psk, e
//	<- e, ee
type PSKHandshake struct {
	role       HandshakeRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
}

// NewPSKHandshake creates a handshake keyed with psk.
func NewPSKHandshake(psk []byte, role HandshakeRole) (*PSKHandshake, error) {
	if len(psk) != PSKSize {
		return nil, ErrInvalidPSK
	}

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	config := noise.Config{
		CipherSuite:           cipherSuite,
		Random:                rand.Reader,
		Pattern:               noise.HandshakeNN,
		Initiator:             role == Initiator,
		Prologue:              Prologue,
		PresharedKey:          psk,
		PresharedKeyPlacement: 0,
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	return &PSKHandshake{role: role, state: state}, nil
}

// Role returns the handshake role.
func (h *PSKHandshake) Role() HandshakeRole {
	return h.role
}

// WriteMessage produces the next outbound handshake message.
func (h *PSKHandshake) WriteMessage(payload []byte) ([]byte, bool, error) {
	if h.complete {
		return nil, false, ErrHandshakeComplete
	}
	message, cs1, cs2, err := h.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("%s write failed: %w", h.role, err)
	}
	h.finish(cs1, cs2)
	return message, h.complete, nil
}

// ReadMessage consumes an inbound handshake message and returns its payload.
// A wrong pre-shared key on either side fails here.
func (h *PSKHandshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if h.complete {
		return nil, false, ErrHandshakeComplete
	}
	payload, cs1, cs2, err := h.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("%s read failed: %w", h.role, err)
	}
	h.finish(cs1, cs2)
	return payload, h.complete, nil
}

// finish stores the split cipher states. The first state always encrypts
// initiator-to-responder traffic.
func (h *PSKHandshake) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if h.role == Initiator {
		h.sendCipher, h.recvCipher = cs1, cs2
	} else {
		h.sendCipher, h.recvCipher = cs2, cs1
	}
	h.complete = true
}

// IsComplete returns true if handshake is finished and cipher states are available.
func (h *PSKHandshake) IsComplete() bool {
	return h.complete
}

// GetCipherStates returns the send and receive cipher states after successful handshake.
func (h *PSKHandshake) GetCipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !h.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return h.sendCipher, h.recvCipher, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
