package crypto

import (
	"errors"
	"runtime"
)

// SecureWipe zeroes data in place. It is applied to KEM shared secrets,
// derived message keys and key file buffers once they are no longer needed.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}
	clear(data)
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe for callers that may hold a nil slice.
func ZeroBytes(data []byte) {
	if data != nil {
		_ = SecureWipe(data)
	}
}
