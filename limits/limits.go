package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPlaintextMessage is the largest plaintext a caller may send in one message.
	MaxPlaintextMessage = 64 * 1024

	// EncryptionOverhead is the Poly1305 tag appended by the envelope AEAD.
	EncryptionOverhead = 16

	// MaxEnvelopeOverhead bounds the envelope framing around the ciphertext:
	// KEM ciphertext (X-Wing and ML-KEM-768 are both under 1120 bytes), nonce,
	// suite name and CBOR headers.
	MaxEnvelopeOverhead = 2048

	// MaxFrame is the maximum encoded frame accepted from a peer channel. It stays
	// below the 256 KiB SCTP message ceiling of WebRTC data channels.
	MaxFrame = MaxPlaintextMessage + EncryptionOverhead + MaxEnvelopeOverhead + 1024

	// MaxConversationID is the longest conversation id a message may carry. It
	// fits in the frame allowance above the envelope.
	MaxConversationID = 256

	// MaxSignal is the maximum size of an opaque signaling payload (SDP offer/answer
	// or TCP handshake blob).
	MaxSignal = 64 * 1024
)

var (
	// ErrMessageEmpty is returned for zero-length input.
	ErrMessageEmpty = errors.New("empty message")
	// ErrMessageTooLarge is wrapped by every size violation.
	ErrMessageTooLarge = errors.New("message too large")
)

func check(kind string, data []byte, max int) error {
	switch {
	case len(data) == 0:
		return ErrMessageEmpty
	case len(data) > max:
		return fmt.Errorf("%w: %s size %d exceeds limit %d", ErrMessageTooLarge, kind, len(data), max)
	}
	return nil
}

// ValidateMessageSize checks message against an arbitrary limit.
func ValidateMessageSize(message []byte, maxSize int) error {
	return check("message", message, maxSize)
}

// ValidatePlaintextMessage checks a message body before it is encrypted.
func ValidatePlaintextMessage(message []byte) error {
	return check("plaintext", message, MaxPlaintextMessage)
}

// ValidateFrame checks an encoded channel frame in either direction.
func ValidateFrame(frame []byte) error {
	return check("frame", frame, MaxFrame)
}

// ValidateSignal checks an opaque signaling payload.
func ValidateSignal(payload []byte) error {
	return check("signal", payload, MaxSignal)
}

// ValidateConversationID checks the length of a conversation id. An empty id
// is allowed.
func ValidateConversationID(id string) error {
	if len(id) > MaxConversationID {
		return fmt.Errorf("%w: conversation id size %d exceeds limit %d", ErrMessageTooLarge, len(id), MaxConversationID)
	}
	return nil
}
