package delivery

import (
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/peerpost/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	in := &Frame{Type: FrameData, ID: "m1", ConversationID: "c1", Envelope: []byte{1, 2, 3}}
	data, err := EncodeFrame(in)
	require.NoError(t, err)

	out, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFrameValidation(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		ok    bool
	}{
		{"data", Frame{Type: FrameData, ID: "a", Envelope: []byte{1}}, true},
		{"ack", Frame{Type: FrameAck, ID: "a"}, true},
		{"nack with reason", Frame{Type: FrameNack, ID: "a", Reason: "bad tag"}, true},
		{"missing id", Frame{Type: FrameAck}, false},
		{"data without envelope", Frame{Type: FrameData, ID: "a"}, false},
		{"ack with envelope", Frame{Type: FrameAck, ID: "a", Envelope: []byte{1}}, false},
		{"unknown type", Frame{Type: 9, ID: "a"}, false},
		{"zero type", Frame{ID: "a"}, false},
		{"longest conversation id", Frame{Type: FrameData, ID: "a", ConversationID: strings.Repeat("c", limits.MaxConversationID), Envelope: []byte{1}}, true},
		{"conversation id too long", Frame{Type: FrameData, ID: "a", ConversationID: strings.Repeat("c", limits.MaxConversationID+1), Envelope: []byte{1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeFrame(&tt.frame)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrMalformedFrame)

			// The same frame arriving from a peer is rejected too.
			raw, err := cbor.Marshal(&tt.frame)
			require.NoError(t, err)
			_, err = DecodeFrame(raw)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	for _, raw := range [][]byte{nil, {0xff}, []byte("garbage"), make([]byte, limits.MaxFrame+1)} {
		_, err := DecodeFrame(raw)
		assert.ErrorIs(t, err, ErrMalformedFrame)
	}
}

func TestEncodeFrameRejectsOversizedEnvelope(t *testing.T) {
	_, err := EncodeFrame(&Frame{Type: FrameData, ID: "big", Envelope: make([]byte, limits.MaxFrame)})
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestFrameTypeString(t *testing.T) {
	assert.Equal(t, "data", FrameData.String())
	assert.Equal(t, "ack", FrameAck.String())
	assert.Equal(t, "nack", FrameNack.String())
	assert.Equal(t, "frame(7)", FrameType(7).String())
}
