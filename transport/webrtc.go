package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// DataChannelLabel names the single data channel opened per peer.
const DataChannelLabel = "peerpost"

// WebRTCOptions configures a WebRTCTransport.
type WebRTCOptions struct {
	// ICEServers are STUN/TURN URLs, e.g. "stun:stun.l.google.com:19302".
	ICEServers []string
}

// WebRTCTransport runs each link over one ordered, reliable data channel.
// ICE candidates are gathered before the description is handed out, so one
// offer and one answer are the whole signaling exchange.
type WebRTCTransport struct {
	config webrtc.Configuration
	api    *webrtc.API

	mu     sync.Mutex
	links  map[*webrtcLink]struct{}
	closed bool
}

// NewWebRTCTransport creates a transport with the given ICE servers.
func NewWebRTCTransport(opts WebRTCOptions) *WebRTCTransport {
	config := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return &WebRTCTransport{
		config: config,
		api:    webrtc.NewAPI(),
		links:  make(map[*webrtcLink]struct{}),
	}
}

// NewLink implements Transport.
func (t *WebRTCTransport) NewLink(peerID string, role Role, events LinkEvents) (Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrLinkClosed
	}

	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &webrtcLink{
		transport: t,
		peer:      peerID,
		role:      role,
		events:    events,
		pc:        pc,
	}

	pc.OnConnectionStateChange(l.connectionStateChanged)
	if role == RoleInitiator {
		ordered := true
		dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		l.bind(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != DataChannelLabel {
				dc.Close()
				return
			}
			l.bind(dc)
		})
	}

	t.links[l] = struct{}{}
	return l, nil
}

// Close closes every link.
func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	links := make([]*webrtcLink, 0, len(t.links))
	for l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
	return nil
}

type webrtcLink struct {
	transport *WebRTCTransport
	peer      string
	role      Role
	events    LinkEvents
	pc        *webrtc.PeerConnection

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	signal    []byte
	remoteSet bool
	open      bool
	closed    bool
	closeOnce sync.Once
	reasm     reassembler
}

func (l *webrtcLink) bind(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		if l.closed || l.open {
			l.mu.Unlock()
			return
		}
		l.open = true
		l.mu.Unlock()
		l.events.OnOpen()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Callbacks for one channel are not concurrent, so the reassembler
		// needs no extra lock.
		frame, err := l.reasm.push(msg.Data)
		if err != nil {
			l.fail(err)
			return
		}
		if frame != nil {
			l.events.OnMessage(frame)
		}
	})
	dc.OnClose(func() {
		l.fail(errors.New("data channel closed"))
	})
}

func (l *webrtcLink) connectionStateChanged(state webrtc.PeerConnectionState) {
	logrus.WithFields(logrus.Fields{
		"function": "connectionStateChanged",
		"package":  "transport",
		"peer_id":  l.peer,
		"state":    state.String(),
	}).Debug("Peer connection state changed")

	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		l.fail(fmt.Errorf("peer connection %s", state))
	case webrtc.PeerConnectionStateClosed:
		l.fail(errors.New("peer connection closed"))
	}
}

func (l *webrtcLink) LocalSignal(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLinkClosed
	}
	if l.signal != nil {
		sig := l.signal
		l.mu.Unlock()
		return sig, nil
	}
	if l.role == RoleResponder && !l.remoteSet {
		l.mu.Unlock()
		return nil, errors.New("no offer accepted yet")
	}
	l.mu.Unlock()

	var desc webrtc.SessionDescription
	var err error
	if l.role == RoleInitiator {
		desc, err = l.pc.CreateOffer(nil)
	} else {
		desc, err = l.pc.CreateAnswer(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", l.role, err)
	}

	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	data, err := json.Marshal(l.pc.LocalDescription())
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.signal == nil {
		l.signal = data
	}
	data = l.signal
	l.mu.Unlock()
	return data, nil
}

func (l *webrtcLink) AcceptSignal(payload []byte) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}
	want := webrtc.SDPTypeOffer
	if l.role == RoleInitiator {
		want = webrtc.SDPTypeAnswer
	}
	if desc.Type != want {
		return fmt.Errorf("got %s, want %s", desc.Type, want)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if l.remoteSet {
		l.mu.Unlock()
		return errors.New("remote description already set")
	}
	l.mu.Unlock()

	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	l.mu.Lock()
	l.remoteSet = true
	l.mu.Unlock()
	return nil
}

func (l *webrtcLink) Send(frame []byte) error {
	l.mu.Lock()
	dc, open, closed := l.dc, l.open, l.closed
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	if !open || dc == nil {
		return errors.New("data channel not open")
	}
	for _, chunk := range fragment(frame) {
		if err := dc.Send(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (l *webrtcLink) fail(err error) {
	if l.shutdown() {
		l.events.OnClose(err)
	}
}

func (l *webrtcLink) shutdown() bool {
	first := false
	l.closeOnce.Do(func() {
		first = true
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		l.transport.mu.Lock()
		delete(l.transport.links, l)
		l.transport.mu.Unlock()

		go func() {
			if err := l.pc.Close(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "shutdown",
					"package":  "transport",
					"peer_id":  l.peer,
					"error":    err.Error(),
				}).Debug("Peer connection close failed")
			}
		}()
	})
	return first
}

func (l *webrtcLink) Close() error {
	l.shutdown()
	return nil
}
