package queue

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Status is the delivery state of a queued message.
type Status uint8

const (
	// StatusPending means the message waits for its next attempt.
	StatusPending Status = iota
	// StatusInFlight means a dispatch attempt owns the message.
	StatusInFlight
	// StatusDelivered means the recipient acknowledged the message. Terminal.
	StatusDelivered
	// StatusFailedPermanent means retries are exhausted or the recipient
	// rejected the envelope. Terminal.
	StatusFailedPermanent
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in-flight"
	case StatusDelivered:
		return "delivered"
	case StatusFailedPermanent:
		return "failed-permanent"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailedPermanent
}

// QueuedMessage is one outbound message owned by the Store. Callers only ever
// see copies.
type QueuedMessage struct {
	ID             string
	ConversationID string
	RecipientID    string
	// Envelope is the encoded, already encrypted payload. The queue never sees plaintext.
	Envelope      []byte
	Attempts      int
	Deferrals     int
	Seq           uint64
	NextRetryAt   time.Time
	Status        Status
	CreatedAt     time.Time
	LastAttemptAt time.Time
	LastError     string
}

// Due reports whether the message may be attempted at now.
func (m *QueuedMessage) Due(now time.Time) bool {
	return m.Status == StatusPending && !now.Before(m.NextRetryAt)
}

// record is the persisted layout. Times are stored as Unix nanoseconds so they
// round-trip exactly across restarts.
type record struct {
	ID             string `cbor:"id"`
	ConversationID string `cbor:"conversation_id"`
	RecipientID    string `cbor:"recipient_id"`
	Envelope       []byte `cbor:"envelope"`
	Attempts       int    `cbor:"attempts"`
	Deferrals      int    `cbor:"deferrals"`
	Seq            uint64 `cbor:"seq"`
	NextRetryAt    int64  `cbor:"next_retry_at"`
	Status         Status `cbor:"status"`
	CreatedAt      int64  `cbor:"created_at"`
	LastAttemptAt  int64  `cbor:"last_attempt_at"`
	LastError      string `cbor:"last_error,omitempty"`
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeMessage(m *QueuedMessage) ([]byte, error) {
	return cbor.Marshal(&record{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		RecipientID:    m.RecipientID,
		Envelope:       m.Envelope,
		Attempts:       m.Attempts,
		Deferrals:      m.Deferrals,
		Seq:            m.Seq,
		NextRetryAt:    toUnixNano(m.NextRetryAt),
		Status:         m.Status,
		CreatedAt:      toUnixNano(m.CreatedAt),
		LastAttemptAt:  toUnixNano(m.LastAttemptAt),
		LastError:      m.LastError,
	})
}

func decodeMessage(data []byte) (*QueuedMessage, error) {
	var r record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode queue record: %w", err)
	}
	if r.ID == "" || r.RecipientID == "" {
		return nil, fmt.Errorf("decode queue record: missing id or recipient")
	}
	return &QueuedMessage{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		RecipientID:    r.RecipientID,
		Envelope:       r.Envelope,
		Attempts:       r.Attempts,
		Deferrals:      r.Deferrals,
		Seq:            r.Seq,
		NextRetryAt:    fromUnixNano(r.NextRetryAt),
		Status:         r.Status,
		CreatedAt:      fromUnixNano(r.CreatedAt),
		LastAttemptAt:  fromUnixNano(r.LastAttemptAt),
		LastError:      r.LastError,
	}, nil
}
