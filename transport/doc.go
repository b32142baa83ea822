// Package transport manages one reliable channel per peer.
//
// # Architecture
//
// A Transport creates Links. A Link is negotiated through an opaque offer and
// answer that the application carries between the two peers; once the
// channel is ready it moves whole frames in order. Three transports are
// provided:
//
//	WebRTCTransport  one ordered data channel per peer (pion/webrtc)
//	TCPTransport     direct TCP secured by Noise_NNpsk0 with a KEM-derived PSK
//	MemoryNetwork    in-process links with fault injection, for tests
//
// Frames larger than ChunkSize are fragmented on the wire and reassembled on
// receipt, so callers always see complete frames.
//
// # Connection Manager
//
// Manager owns a state machine per peer:
//
//	Idle ──connect/offer──▶ Negotiating ──channel ready──▶ Connected
//	  ▲                         │                            │
//	  └──────── timeout ────────┘                      link failure
//	                            ▲                            ▼
//	                            └──── reconnect (backoff) ─ Disconnected
//
//	any state ──Close──▶ Closed (terminal; GetOrConnect starts a fresh instance)
//
// Send succeeds only while Connected and fails immediately with
// ErrNotConnected otherwise. Failures are reported as StateChange events
// rather than errors. Each peer has its own lock and its own event worker, so
// a slow or misbehaving peer never stalls another.
//
// Example:
//
//	mgr := transport.NewManager(tr, transport.Options{
//	    SelfID:        self,
//	    OnLocalSignal: func(peer string, payload []byte) { signaling.Send(peer, payload) },
//	})
//	unsubscribe := mgr.Subscribe(func(c transport.StateChange) { ... })
//	defer unsubscribe()
//	mgr.SetFrameHandler(func(peer string, frame []byte) { ... })
//	mgr.GetOrConnect(peer)
//	// on inbound signaling payloads:
//	mgr.AcceptRemoteSignal(peer, payload)
package transport
