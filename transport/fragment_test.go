package transport

import (
	"bytes"
	"testing"

	"github.com/opd-ai/peerpost/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentRoundTrip(t *testing.T) {
	sizes := []int{0, 1, ChunkSize - 1, ChunkSize, 3*ChunkSize + 17, limits.MaxFrame}
	for _, size := range sizes {
		frame := bytes.Repeat([]byte{0x5a}, size)
		chunks := fragment(frame)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), ChunkSize)
		}

		var r reassembler
		var got []byte
		for i, c := range chunks {
			out, err := r.push(c)
			require.NoError(t, err)
			if i < len(chunks)-1 {
				assert.Nil(t, out)
			} else {
				got = out
			}
		}
		assert.Equal(t, frame, got, "size %d", size)
	}
}

func TestReassemblerRejectsBadInput(t *testing.T) {
	var r reassembler
	_, err := r.push(nil)
	assert.Error(t, err)
	_, err = r.push([]byte{7, 1, 2})
	assert.Error(t, err)

	more := append([]byte{chunkMore}, make([]byte, ChunkSize-1)...)
	var last error
	for i := 0; i < limits.MaxFrame/(ChunkSize-1)+2 && last == nil; i++ {
		_, last = r.push(more)
	}
	assert.ErrorIs(t, last, limits.ErrMessageTooLarge)

	// The reassembler recovers after an error.
	out, err := r.push([]byte{chunkFinal, 'o', 'k'})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)
}

func TestSignalCodec(t *testing.T) {
	data, err := encodeSignal(SignalOffer, []byte("payload"))
	require.NoError(t, err)
	sig, err := decodeSignal(data)
	require.NoError(t, err)
	assert.Equal(t, SignalOffer, sig.Kind)
	assert.Equal(t, []byte("payload"), sig.Payload)

	_, err = encodeSignal(SignalAnswer, make([]byte, limits.MaxSignal))
	assert.Error(t, err)

	_, err = decodeSignal([]byte{0xa2, 0x01, 0x01, 0x02, 0x07})
	assert.ErrorIs(t, err, ErrMalformedSignal)
	assert.Equal(t, "offer", SignalOffer.String())
	assert.Equal(t, "answer", SignalAnswer.String())
}
