package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/kem"
	"github.com/opd-ai/peerpost/noise"
	"github.com/sirupsen/logrus"
)

const (
	tokenSize               = 16
	defaultHandshakeTimeout = 10 * time.Second
	defaultSendBuffer       = 64
	writeTimeout            = 5 * time.Second
)

// ErrSendBufferFull is returned when a link's outbound queue is saturated.
var ErrSendBufferFull = errors.New("send buffer full")

// KeySource supplies the identity keys that authenticate TCP links.
type KeySource interface {
	PrivateKey() kem.PrivateKey
	PublicKey(peerID string) (kem.PublicKey, error)
}

// TCPOptions configures a TCPTransport.
type TCPOptions struct {
	// ListenAddr is where offers tell peers to dial, e.g. "0.0.0.0:7400".
	ListenAddr string
	// AdvertiseAddr overrides the address put into offers.
	AdvertiseAddr    string
	HandshakeTimeout time.Duration
	// SendBuffer is the number of frames a link queues before Send fails.
	SendBuffer int
	Keys       KeySource
}

// TCPTransport runs links over direct TCP connections. Signaling carries a
// KEM encapsulation in each direction; the two shared secrets key a
// Noise_NNpsk0 handshake, so only the holders of both identity keys can
// complete it. The answering side dials the offering side.
type TCPTransport struct {
	opts     TCPOptions
	listener net.Listener
	addr     string

	mu      sync.Mutex
	pending map[string]*tcpLink
	links   map[*tcpLink]struct{}
	closed  bool

	wg sync.WaitGroup
}

// NewTCPTransport starts listening on opts.ListenAddr.
func NewTCPTransport(opts TCPOptions) (*TCPTransport, error) {
	if opts.Keys == nil {
		return nil, errors.New("tcp transport: key source required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	listener, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return nil, err
	}

	t := &TCPTransport{
		opts:     opts,
		listener: listener,
		addr:     listener.Addr().String(),
		pending:  make(map[string]*tcpLink),
		links:    make(map[*tcpLink]struct{}),
	}
	if opts.AdvertiseAddr != "" {
		t.addr = opts.AdvertiseAddr
	}

	t.wg.Add(1)
	go t.acceptConnections()
	return t, nil
}

// Addr returns the address advertised in offers.
func (t *TCPTransport) Addr() string {
	return t.addr
}

// NewLink implements Transport.
func (t *TCPTransport) NewLink(peerID string, role Role, events LinkEvents) (Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrLinkClosed
	}
	l := &tcpLink{
		transport: t,
		peer:      peerID,
		role:      role,
		events:    events,
		ready:     make(chan struct{}),
		out:       make(chan []byte, t.opts.SendBuffer),
		done:      make(chan struct{}),
	}
	t.links[l] = struct{}{}
	return l, nil
}

// Close stops the listener and closes every link.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*tcpLink, 0, len(t.links))
	for l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	err := t.listener.Close()
	for _, l := range links {
		l.Close()
	}
	t.wg.Wait()
	return err
}

func (t *TCPTransport) acceptConnections() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptConnections",
				"package":  "transport",
				"error":    err.Error(),
			}).Warn("Accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleInbound(conn)
		}()
	}
}

// handleInbound matches a dialed connection to the offer it answers and runs
// the responder half of the handshake.
func (t *TCPTransport) handleInbound(conn net.Conn) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "handleInbound",
		"package":  "transport",
		"remote":   conn.RemoteAddr().String(),
	})
	deadline := time.Now().Add(t.opts.HandshakeTimeout)
	_ = conn.SetDeadline(deadline)

	token := make([]byte, tokenSize)
	if _, err := io.ReadFull(conn, token); err != nil {
		logger.WithError(err).Debug("Failed to read session token")
		conn.Close()
		return
	}
	key := hex.EncodeToString(token)
	t.mu.Lock()
	l := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()
	if l == nil {
		logger.Warn("Connection for unknown session")
		conn.Close()
		return
	}

	select {
	case <-l.ready:
	case <-l.done:
		conn.Close()
		return
	case <-time.After(time.Until(deadline)):
		logger.Warn("Answer did not arrive before the handshake deadline")
		conn.Close()
		return
	}

	l.mu.Lock()
	psk := append([]byte(nil), l.psk...)
	l.mu.Unlock()
	session, err := handshake(conn, psk, noise.Responder)
	wipe(psk)
	if err != nil {
		logger.WithError(err).Warn("Handshake failed")
		conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})
	l.attach(conn, session)
}

func (t *TCPTransport) forget(l *tcpLink, token []byte) {
	t.mu.Lock()
	delete(t.links, l)
	if token != nil {
		key := hex.EncodeToString(token)
		if t.pending[key] == l {
			delete(t.pending, key)
		}
	}
	t.mu.Unlock()
}

type tcpSignal struct {
	Token         []byte `cbor:"1,keyasint"`
	Addr          string `cbor:"2,keyasint,omitempty"`
	KEMCiphertext []byte `cbor:"3,keyasint"`
}

type tcpLink struct {
	transport *TCPTransport
	peer      string
	role      Role
	events    LinkEvents

	mu          sync.Mutex
	token       []byte
	offerSecret []byte
	remoteAddr  string
	signal      []byte
	psk         []byte
	ready       chan struct{}
	conn        net.Conn
	session     *noise.Session
	closed      bool

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (l *tcpLink) LocalSignal(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLinkClosed
	}
	if l.signal != nil {
		return l.signal, nil
	}
	if l.role == RoleResponder && l.offerSecret == nil {
		return nil, errors.New("no offer accepted yet")
	}

	pub, err := l.transport.opts.Keys.PublicKey(l.peer)
	if err != nil {
		return nil, err
	}
	ct, ss, err := pub.Scheme().Encapsulate(pub)
	if err != nil {
		return nil, fmt.Errorf("kem encapsulate: %w", err)
	}

	sig := &tcpSignal{KEMCiphertext: ct}
	if l.role == RoleInitiator {
		l.token = make([]byte, tokenSize)
		if _, err := rand.Read(l.token); err != nil {
			return nil, err
		}
		l.offerSecret = ss
		sig.Token = l.token
		sig.Addr = l.transport.Addr()

		l.transport.mu.Lock()
		l.transport.pending[hex.EncodeToString(l.token)] = l
		l.transport.mu.Unlock()
	} else {
		psk, err := noise.DerivePSK(l.offerSecret, ss, l.token)
		wipe(ss)
		wipe(l.offerSecret)
		if err != nil {
			return nil, err
		}
		l.psk = psk
		sig.Token = l.token
		close(l.ready)
		go l.dial()
	}

	data, err := cbor.Marshal(sig)
	if err != nil {
		return nil, err
	}
	l.signal = data
	return data, nil
}

func (l *tcpLink) AcceptSignal(payload []byte) error {
	var sig tcpSignal
	if err := cbor.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("decode tcp signal: %w", err)
	}
	if len(sig.Token) != tokenSize {
		return errors.New("tcp signal: bad session token")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}

	own := l.transport.opts.Keys.PrivateKey()
	scheme := own.Scheme()
	if len(sig.KEMCiphertext) != scheme.CiphertextSize() {
		return fmt.Errorf("tcp signal: kem ciphertext length %d, want %d", len(sig.KEMCiphertext), scheme.CiphertextSize())
	}
	ss, err := scheme.Decapsulate(own, sig.KEMCiphertext)
	if err != nil {
		return fmt.Errorf("kem decapsulate: %w", err)
	}

	if l.role == RoleResponder {
		if l.offerSecret != nil {
			wipe(ss)
			return errors.New("tcp signal: offer already accepted")
		}
		if sig.Addr == "" {
			wipe(ss)
			return errors.New("tcp signal: offer without address")
		}
		l.token = sig.Token
		l.remoteAddr = sig.Addr
		l.offerSecret = ss
		return nil
	}

	if l.offerSecret == nil || !bytes.Equal(sig.Token, l.token) {
		wipe(ss)
		return errors.New("tcp signal: answer for a different session")
	}
	if l.psk != nil {
		wipe(ss)
		return nil
	}
	psk, err := noise.DerivePSK(l.offerSecret, ss, l.token)
	wipe(ss)
	wipe(l.offerSecret)
	if err != nil {
		return err
	}
	l.psk = psk
	close(l.ready)
	return nil
}

// dial connects to the offering side and runs the initiator half of the
// handshake.
func (l *tcpLink) dial() {
	logger := logrus.WithFields(logrus.Fields{
		"function": "dial",
		"package":  "transport",
		"peer_id":  l.peer,
	})
	l.mu.Lock()
	addr, token := l.remoteAddr, l.token
	psk := append([]byte(nil), l.psk...)
	l.mu.Unlock()
	defer wipe(psk)

	timeout := l.transport.opts.HandshakeTimeout
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		logger.WithError(err).Warn("Dial failed")
		l.fail(err)
		return
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(token); err != nil {
		conn.Close()
		l.fail(err)
		return
	}
	session, err := handshake(conn, psk, noise.Initiator)
	if err != nil {
		logger.WithError(err).Warn("Handshake failed")
		conn.Close()
		l.fail(err)
		return
	}
	_ = conn.SetDeadline(time.Time{})
	l.attach(conn, session)
}

// handshake runs Noise_NNpsk0 over conn with length-prefixed messages.
func handshake(conn net.Conn, psk []byte, role noise.HandshakeRole) (*noise.Session, error) {
	hs, err := noise.NewPSKHandshake(psk, role)
	if err != nil {
		return nil, err
	}
	if role == noise.Initiator {
		msg, _, err := hs.WriteMessage(nil)
		if err != nil {
			return nil, err
		}
		if err := writeRecord(conn, msg); err != nil {
			return nil, err
		}
		reply, err := readRecord(conn)
		if err != nil {
			return nil, err
		}
		if _, _, err := hs.ReadMessage(reply); err != nil {
			return nil, err
		}
	} else {
		msg, err := readRecord(conn)
		if err != nil {
			return nil, err
		}
		if _, _, err := hs.ReadMessage(msg); err != nil {
			return nil, err
		}
		reply, _, err := hs.WriteMessage(nil)
		if err != nil {
			return nil, err
		}
		if err := writeRecord(conn, reply); err != nil {
			return nil, err
		}
	}
	return noise.NewSession(hs)
}

func writeRecord(w io.Writer, msg []byte) error {
	if len(msg) > noise.MaxMessage {
		return noise.ErrPayloadTooLarge
	}
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	_, err := w.Write(buf)
	return err
}

func readRecord(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (l *tcpLink) attach(conn net.Conn, session *noise.Session) {
	l.mu.Lock()
	if l.closed || l.conn != nil {
		l.mu.Unlock()
		conn.Close()
		return
	}
	l.conn = conn
	l.session = session
	l.mu.Unlock()

	go l.writeLoop(conn, session)
	go l.readLoop(conn, session)
	l.events.OnOpen()
}

func (l *tcpLink) writeLoop(conn net.Conn, session *noise.Session) {
	for {
		select {
		case <-l.done:
			return
		case frame := <-l.out:
			for _, chunk := range fragment(frame) {
				ct, err := session.Seal(chunk)
				if err == nil {
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					err = writeRecord(conn, ct)
				}
				if err != nil {
					l.fail(err)
					return
				}
			}
		}
	}
}

func (l *tcpLink) readLoop(conn net.Conn, session *noise.Session) {
	var r reassembler
	for {
		msg, err := readRecord(conn)
		if err != nil {
			l.fail(err)
			return
		}
		chunk, err := session.Open(msg)
		if err != nil {
			l.fail(err)
			return
		}
		frame, err := r.push(chunk)
		if err != nil {
			l.fail(err)
			return
		}
		if frame != nil {
			l.events.OnMessage(frame)
		}
	}
}

func (l *tcpLink) Send(frame []byte) error {
	l.mu.Lock()
	closed, open := l.closed, l.conn != nil
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	if !open {
		return errors.New("link not open")
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case l.out <- cp:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// fail tears the link down after an I/O error and reports it once.
func (l *tcpLink) fail(err error) {
	if l.shutdown() {
		l.events.OnClose(err)
	}
}

func (l *tcpLink) shutdown() bool {
	first := false
	l.closeOnce.Do(func() {
		first = true
		l.mu.Lock()
		l.closed = true
		conn, token := l.conn, l.token
		wipe(l.psk)
		l.mu.Unlock()
		close(l.done)
		if conn != nil {
			conn.Close()
		}
		l.transport.forget(l, token)
	})
	return first
}

func (l *tcpLink) Close() error {
	l.shutdown()
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
