package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
)

// Embedded is a yamux-backed stand-in for Aeron's embedded media driver
// (spec §4.2, launchEmbeddedDriver). A real Aeron embedded driver is a
// background thread sharing memory-mapped log buffers with every local
// client; here, every local Publication/Subscription opens its own
// yamux stream to an in-process "driver" goroutine over a net.Pipe, and
// the driver goroutine fans DATA payloads out to every subscriber
// stream registered on the same (channel, streamId) — yamux's stream
// multiplexing over one duplex connection stands in for Aeron's
// shared-memory IPC transport, and its per-stream flow-controlled
// Read/Write give each Publication a real (if point-to-point, not
// subscriber-aware) back-pressure signal instead of an unbounded
// channel.
//
// Embedded intentionally provides coarser back-pressure semantics than
// Memory: a Publication here back-pressures against its own yamux
// stream window to the driver, not against the slowest subscriber.
// Tests that need the multi-subscriber "slowest wins" semantics of
// spec §4.5 use Memory; Embedded exists to give the embedded-driver
// code path (and the yamux dependency) a real, exercised implementation.
type Embedded struct {
	server *yamux.Session
	client *yamux.Session

	hub *embeddedHub

	closeOnce sync.Once
	closeErr  error
}

const offerWriteTimeout = 25 * time.Millisecond
const pollReadTimeout = 5 * time.Millisecond

var errStreamClosed = errors.New("embedded: stream closed")

// NewEmbedded starts a fresh embedded driver instance. Each call
// returns an independent driver; the Driver Manager (spec §4.2) is
// responsible for sharing one Embedded across every Processor in the
// process that asked for launchEmbeddedDriver.
func NewEmbedded() (*Embedded, error) {
	serverConn, clientConn := net.Pipe()

	server, err := yamux.Server(serverConn, nil)
	if err != nil {
		return nil, fmt.Errorf("embedded: start driver side: %w", err)
	}
	client, err := yamux.Client(clientConn, nil)
	if err != nil {
		return nil, fmt.Errorf("embedded: start client side: %w", err)
	}

	e := &Embedded{
		server: server,
		client: client,
		hub:    newEmbeddedHub(),
	}
	go e.acceptLoop()
	return e, nil
}

func (e *Embedded) acceptLoop() {
	for {
		stream, err := e.server.Accept()
		if err != nil {
			return
		}
		go e.hub.serve(stream)
	}
}

func (e *Embedded) Publication(channel string, streamID int32) (Publication, error) {
	stream, err := e.client.Open()
	if err != nil {
		return nil, fmt.Errorf("embedded: open publication stream: %w", err)
	}
	if err := writeHandshake(stream, rolePublisher, channel, streamID); err != nil {
		stream.Close()
		return nil, err
	}
	key := streamKey{channel: channel, streamID: streamID}
	e.hub.registerPub(key)
	return &embeddedPublication{conn: stream, hub: e.hub, key: key}, nil
}

func (e *Embedded) Subscription(channel string, streamID int32) (Subscription, error) {
	stream, err := e.client.Open()
	if err != nil {
		return nil, fmt.Errorf("embedded: open subscription stream: %w", err)
	}
	if err := writeHandshake(stream, roleSubscriber, channel, streamID); err != nil {
		stream.Close()
		return nil, err
	}
	return &embeddedSubscription{conn: stream}, nil
}

func (e *Embedded) Counters() Counters {
	return e.hub
}

func (e *Embedded) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.client.Close()
		e.server.Close()
	})
	return e.closeErr
}

// --- wire handshake: role byte, 2-byte channel length, channel bytes, 4-byte stream id ---

type role byte

const (
	rolePublisher  role = 0
	roleSubscriber role = 1
)

func writeHandshake(w io.Writer, r role, channel string, streamID int32) error {
	buf := make([]byte, 1+2+len(channel)+4)
	buf[0] = byte(r)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(channel)))
	copy(buf[3:], channel)
	binary.BigEndian.PutUint32(buf[3+len(channel):], uint32(streamID))
	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (role, streamKey, error) {
	var head [3]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, streamKey{}, err
	}
	clen := binary.BigEndian.Uint16(head[1:3])
	buf := make([]byte, int(clen)+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, streamKey{}, err
	}
	channel := string(buf[:clen])
	streamID := int32(binary.BigEndian.Uint32(buf[clen:]))
	return role(head[0]), streamKey{channel: channel, streamID: streamID}, nil
}

// --- length-prefixed frames over a yamux stream ---

func writeFrame(w io.Writer, deadline time.Duration, payload []byte) OfferResult {
	type deadliner interface {
		SetWriteDeadline(time.Time) error
	}
	if d, ok := w.(deadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(deadline))
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return classifyWriteErr(err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return classifyWriteErr(err)
		}
	}
	return OfferOK
}

func classifyWriteErr(err error) OfferResult {
	if errors.Is(err, errStreamClosed) || errors.Is(err, io.ErrClosedPipe) {
		return OfferClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return OfferBackPressured
	}
	return OfferClosed
}

// readFrame reads one length-prefixed frame within the given deadline,
// returning (payload, true) or (nil, false) if none arrived in time.
func readFrame(r io.Reader, deadline time.Duration) ([]byte, bool) {
	type deadliner interface {
		SetReadDeadline(time.Time) error
	}
	if d, ok := r.(deadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(deadline))
	}
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, false
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return []byte{}, true
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false
	}
	return buf, true
}

// --- the driver-side fan-out table ---

type subConn struct {
	mu   sync.Mutex
	conn net.Conn
}

type embeddedHub struct {
	mu      sync.Mutex
	subs    map[streamKey][]*subConn
	pubCnt  map[streamKey]int
	closed  bool
	counter uint32
}

func newEmbeddedHub() *embeddedHub {
	return &embeddedHub{
		subs:   make(map[streamKey][]*subConn),
		pubCnt: make(map[streamKey]int),
	}
}

func (h *embeddedHub) registerPub(key streamKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pubCnt[key]++
}

func (h *embeddedHub) serve(stream net.Conn) {
	r, key, err := readHandshake(stream)
	if err != nil {
		stream.Close()
		return
	}
	switch r {
	case roleSubscriber:
		sc := &subConn{conn: stream}
		h.mu.Lock()
		h.subs[key] = append(h.subs[key], sc)
		h.mu.Unlock()
		// this is the driver's accepted end of the stream; the
		// subscriber's client-side end is a distinct yamux stream object
		// that embeddedSubscription.Poll reads from. Block here only to
		// notice the remote side closing its end.
		<-waitClosed(stream)
		h.mu.Lock()
		h.removeSub(key, sc)
		h.mu.Unlock()
	case rolePublisher:
		h.relayPublisher(stream, key)
	default:
		stream.Close()
	}
}

func (h *embeddedHub) removeSub(key streamKey, target *subConn) {
	list := h.subs[key]
	for i, sc := range list {
		if sc == target {
			h.subs[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (h *embeddedHub) relayPublisher(stream net.Conn, key streamKey) {
	defer func() {
		h.mu.Lock()
		h.pubCnt[key]--
		h.mu.Unlock()
		stream.Close()
	}()
	for {
		payload, ok := readFrame(stream, 24*time.Hour)
		if !ok {
			return
		}
		h.publish(key, payload)
	}
}

func (h *embeddedHub) publish(key streamKey, payload []byte) {
	h.mu.Lock()
	subs := append([]*subConn(nil), h.subs[key]...)
	h.mu.Unlock()

	for _, sc := range subs {
		sc.mu.Lock()
		writeFrame(sc.conn, offerWriteTimeout, payload)
		sc.mu.Unlock()
	}
}

func (h *embeddedHub) ForEach(fn func(id uint32, label string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, n := range h.pubCnt {
		for i := 0; i < n; i++ {
			h.counter++
			fn(h.counter, fmt.Sprintf("sender pos: channel=%s stream=%d", key.channel, key.streamID))
		}
	}
	for key, list := range h.subs {
		for range list {
			h.counter++
			fn(h.counter, fmt.Sprintf("subscriber pos: channel=%s stream=%d", key.channel, key.streamID))
		}
	}
}

// waitClosed returns a channel closed once a Read on conn fails (remote
// closed or pipe broken).
func waitClosed(conn net.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
	return done
}

// --- client-side Publication/Subscription ---

type embeddedPublication struct {
	conn   net.Conn
	hub    *embeddedHub
	key    streamKey
	closed bool
	mu     sync.Mutex
}

func (p *embeddedPublication) Offer(payload []byte) OfferResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return OfferClosed
	}
	return writeFrame(p.conn, offerWriteTimeout, payload)
}

func (p *embeddedPublication) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

type embeddedSubscription struct {
	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

func (s *embeddedSubscription) Poll(handler FrameHandler, limit int) int {
	n := 0
	for n < limit {
		payload, ok := readFrame(s.conn, pollReadTimeout)
		if !ok {
			return n
		}
		handler(payload)
		n++
	}
	return n
}

func (s *embeddedSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
