// Package limits provides centralized size constants and validation functions
// for the peer message delivery core.
//
// # Size Hierarchy
//
//   - MaxPlaintextMessage (64 KiB): the largest message body accepted by
//     delivery.Orchestrator.Send.
//
//   - MaxFrame: an encoded channel frame, i.e. the plaintext limit plus the
//     AEAD tag, the KEM ciphertext and the CBOR framing. Frames larger than this
//     are dropped by the receive path before decoding.
//
//   - MaxSignal (64 KiB): an opaque signaling payload handed to
//     transport.Manager.AcceptRemoteSignal.
//
// # Validation Functions
//
// Each validation function rejects empty input with ErrMessageEmpty and
// oversized input with an error wrapping ErrMessageTooLarge:
//
//	if err := limits.ValidatePlaintextMessage(body); err != nil {
//	    if errors.Is(err, limits.ErrMessageTooLarge) {
//	        // split or reject
//	    }
//	}
package limits
