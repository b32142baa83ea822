package noise

import (
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
)

// MaxMessage is the largest Noise transport message, tag included.
const MaxMessage = 65535

// MaxPayload is the largest plaintext that fits in one transport message.
const MaxPayload = MaxMessage - 16

// ErrPayloadTooLarge is returned when a single Seal exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("payload exceeds noise message size")

// Session encrypts transport messages after a completed handshake. Seal and
// Open may be used from different goroutines; each direction is serialized.
type Session struct {
	sendMu sync.Mutex
	send   *noise.CipherState
	recvMu sync.Mutex
	recv   *noise.CipherState
}

// NewSession wraps the cipher states of a completed handshake.
func NewSession(h *PSKHandshake) (*Session, error) {
	send, recv, err := h.GetCipherStates()
	if err != nil {
		return nil, err
	}
	return &Session{send: send, recv: recv}, nil
}

// Seal encrypts one payload.
func (s *Session) Seal(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	out, err := s.send.Encrypt(nil, nil, payload)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return out, nil
}

// Open decrypts one message. Messages must be opened in the order they were
// sealed.
func (s *Session) Open(message []byte) ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	out, err := s.recv.Decrypt(nil, nil, message)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return out, nil
}
