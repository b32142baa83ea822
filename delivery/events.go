package delivery

import (
	"sync"
	"time"

	"github.com/opd-ai/peerpost/queue"
)

// DeliveryResult reports the terminal outcome of one outbound message.
type DeliveryResult struct {
	MessageID      string
	ConversationID string
	RecipientID    string
	// Status is StatusDelivered or StatusFailedPermanent.
	Status   queue.Status
	Attempts int
	// Err is nil on delivery. On failure it wraps ErrMaxAttemptsExceeded or
	// ErrRejected.
	Err error
	At  time.Time
}

// IncomingMessage is a decrypted message from a peer.
type IncomingMessage struct {
	SenderID       string
	ConversationID string
	MessageID      string
	Plaintext      []byte
	ReceivedAt     time.Time
}

// DecryptionFailure reports an inbound envelope that could not be opened. The
// sender is told with a Nack.
type DecryptionFailure struct {
	SenderID  string
	MessageID string
	Err       error
}

// subscribers is an observer list with explicit unsubscribe.
type subscribers[T any] struct {
	mu   sync.RWMutex
	fns  map[uint64]func(T)
	next uint64
}

func (s *subscribers[T]) add(fn func(T)) func() {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(T))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers[T]) emit(v T) {
	s.mu.RLock()
	fns := make([]func(T), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}
