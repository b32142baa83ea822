package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/peerpost/limits"
)

const signalVersion = 1

// SignalKind distinguishes offers from answers.
type SignalKind uint8

const (
	SignalOffer SignalKind = iota + 1
	SignalAnswer
)

func (k SignalKind) String() string {
	switch k {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	default:
		return fmt.Sprintf("signal(%d)", uint8(k))
	}
}

// signal is the envelope the manager puts around a link's signaling payload,
// so an inbound payload can be routed before any link sees it.
type signal struct {
	Version uint8      `cbor:"1,keyasint"`
	Kind    SignalKind `cbor:"2,keyasint"`
	Payload []byte     `cbor:"3,keyasint"`
}

func encodeSignal(kind SignalKind, payload []byte) ([]byte, error) {
	data, err := cbor.Marshal(&signal{Version: signalVersion, Kind: kind, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	if err := limits.ValidateSignal(data); err != nil {
		return nil, err
	}
	return data, nil
}

func decodeSignal(data []byte) (*signal, error) {
	if err := limits.ValidateSignal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	var s signal
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if s.Version != signalVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedSignal, s.Version)
	}
	if s.Kind != SignalOffer && s.Kind != SignalAnswer {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedSignal, s.Kind)
	}
	if len(s.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedSignal)
	}
	return &s, nil
}
