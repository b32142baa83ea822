// Package noise secures direct peer links with the Noise Protocol Framework.
//
// Links use the Noise_NNpsk0_25519_ChaChaPoly_SHA256 pattern via the
// flynn/noise library. The pre-shared key is not configured by hand: during
// signaling each side encapsulates a fresh KEM shared secret to the other's
// long-term public key, and DerivePSK combines both secrets with the signaling
// session token. A peer that cannot decapsulate never learns the PSK and its
// first handshake message fails to authenticate.
//
// Message flow:
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> psk, e
//	                                       <- e, ee
//	[session established]
//
// Example usage:
//
//	psk, err := noise.DerivePSK(offerSecret, answerSecret, token)
//	hs, err := noise.NewPSKHandshake(psk, noise.Initiator)
//	msg1, _, err := hs.WriteMessage(nil)
//	// send msg1, receive msg2
//	_, complete, err := hs.ReadMessage(msg2)
//	session, err := noise.NewSession(hs)
//	ct, err := session.Seal(frame)
//
// Transport messages are limited to 65535 bytes; callers fragment larger
// frames before sealing.
package noise
