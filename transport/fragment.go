package transport

import (
	"errors"

	"github.com/opd-ai/peerpost/limits"
)

// ChunkSize is the largest fragment put on a channel. Data channel
// implementations agree on 16 KiB messages; Noise caps messages below 64 KiB.
const ChunkSize = 16 * 1024

const (
	chunkFinal byte = 0
	chunkMore  byte = 1
)

var errFragment = errors.New("invalid frame fragment")

// fragment splits a frame into chunks, each prefixed with one flag byte.
func fragment(frame []byte) [][]byte {
	var chunks [][]byte
	for {
		n := len(frame)
		flag := chunkFinal
		if n > ChunkSize-1 {
			n = ChunkSize - 1
			flag = chunkMore
		}
		chunk := make([]byte, n+1)
		chunk[0] = flag
		copy(chunk[1:], frame[:n])
		chunks = append(chunks, chunk)
		frame = frame[n:]
		if flag == chunkFinal {
			return chunks
		}
	}
}

// reassembler rebuilds frames from an ordered chunk stream. It is not safe for
// concurrent use; each link reads from a single goroutine.
type reassembler struct {
	buf []byte
}

// push adds a chunk and returns the frame it completes, if any.
func (r *reassembler) push(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 || chunk[0] > chunkMore {
		r.buf = nil
		return nil, errFragment
	}
	if len(r.buf)+len(chunk)-1 > limits.MaxFrame {
		r.buf = nil
		return nil, limits.ErrMessageTooLarge
	}
	r.buf = append(r.buf, chunk[1:]...)
	if chunk[0] == chunkMore {
		return nil, nil
	}
	frame := r.buf
	r.buf = nil
	if frame == nil {
		frame = []byte{}
	}
	return frame, nil
}
