package delivery

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/peerpost/limits"
)

// ErrMalformedFrame wraps every frame decoding failure.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameType distinguishes message frames from their acknowledgments.
type FrameType uint8

const (
	// FrameData carries one envelope.
	FrameData FrameType = iota + 1
	// FrameAck confirms that the envelope with the same ID was decrypted.
	FrameAck
	// FrameNack reports that the envelope with the same ID can never be
	// decrypted by the receiver.
	FrameNack
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameAck:
		return "ack"
	case FrameNack:
		return "nack"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// Frame is the unit exchanged between peers over a connection.
type Frame struct {
	Type           FrameType `cbor:"1,keyasint"`
	ID             string    `cbor:"2,keyasint"`
	ConversationID string    `cbor:"3,keyasint,omitempty"`
	Envelope       []byte    `cbor:"4,keyasint,omitempty"`
	Reason         string    `cbor:"5,keyasint,omitempty"`
}

// Validate checks the fields required by the frame type.
func (f *Frame) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedFrame)
	}
	switch f.Type {
	case FrameData:
		if len(f.Envelope) == 0 {
			return fmt.Errorf("%w: data frame without envelope", ErrMalformedFrame)
		}
		if err := limits.ValidateConversationID(f.ConversationID); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	case FrameAck, FrameNack:
		if len(f.Envelope) != 0 {
			return fmt.Errorf("%w: %s frame with envelope", ErrMalformedFrame, f.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, uint8(f.Type))
	}
	return nil
}

// EncodeFrame validates f and encodes it as CBOR.
func EncodeFrame(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	data, err := cbor.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if err := limits.ValidateFrame(data); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses and validates a frame received from a peer.
func DecodeFrame(data []byte) (*Frame, error) {
	if err := limits.ValidateFrame(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var f Frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
