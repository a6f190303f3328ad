// Package mesh implements the node-to-node ROUTER-style transport (C4):
// bidirectional per-peer pipes, connect-on-demand with backoff, a bounded
// send queue per peer, and a dedicated send/receive worker per pipe.
package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/sync/singleflight"

	"github.com/playhouse-go/playhouse/internal/config"
	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/registry"
)

// DefaultAuthKey is the pre-shared Blowfish key used to authenticate a
// node's handshake when the operator's config leaves mesh_auth_key unset.
// Meant for local/dev meshes; anything crossing a real network boundary
// should configure its own key (mirrors the teacher's DefaultGSBlowfishKey
// used ahead of a dynamic key exchange).
var DefaultAuthKey = []byte("playhouse-mesh-default-psk-v1!!")

const authTagSize = 8

// authTag = blowfish.Encrypt(magic || serviceId || 0x00x3), a fixed-size
// proof that the handshake's sender holds the same pre-shared key. ECB on
// a single 8-byte block is adequate here: the plaintext carries no secret,
// only a value the reader already knows and can re-derive to compare.
var authMagic = [4]byte{'P', 'H', 'M', '1'}

func computeAuthTag(key []byte, serviceID config.ServiceID) ([]byte, error) {
	c, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mesh: building auth cipher: %w", err)
	}
	var block [authTagSize]byte
	copy(block[:4], authMagic[:])
	block[4] = byte(serviceID)
	tag := make([]byte, authTagSize)
	c.Encrypt(tag, block[:])
	return tag, nil
}

func verifyAuthTag(key []byte, serviceID config.ServiceID, tag []byte) bool {
	want, err := computeAuthTag(key, serviceID)
	if err != nil || len(tag) != authTagSize {
		return false
	}
	for i := range want {
		if want[i] != tag[i] {
			return false
		}
	}
	return true
}

// Frame is the three-segment unit exchanged between nodes: a target node id,
// an opaque route-header blob, and an opaque payload blob.
type Frame struct {
	Target  registry.NodeID
	Header  []byte
	Payload []byte
}

// ReceiveFunc is invoked once per inbound frame from any peer, on that
// peer's dedicated receive goroutine. It must not block for long: it should
// hand the frame off to the route dispatcher (C5) and return.
type ReceiveFunc func(from registry.NodeID, f Frame)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Transport owns one bidirectional pipe per peer node, dialed lazily on
// first send and accepted from a local listener for inbound connections.
type Transport struct {
	self     registry.NodeID
	reg      *registry.Registry
	onFrame  ReceiveFunc
	queueCap int
	authKey  []byte

	mu    sync.Mutex
	peers map[registry.NodeID]*peer
	dial  singleflight.Group

	ln     net.Listener
	closed chan struct{}
	once   sync.Once
}

// New creates a Transport for the local node self, using reg to resolve
// peer endpoints. queueCap bounds each peer's outbound send queue
// (spec default 10000). authKey authenticates the handshake each side
// performs before a pipe is trusted; a nil/empty key falls back to
// DefaultAuthKey.
func New(self registry.NodeID, reg *registry.Registry, queueCap int, authKey []byte, onFrame ReceiveFunc) *Transport {
	if len(authKey) == 0 {
		authKey = DefaultAuthKey
	}
	return &Transport{
		self:     self,
		reg:      reg,
		onFrame:  onFrame,
		queueCap: queueCap,
		authKey:  authKey,
		peers:    make(map[registry.NodeID]*peer),
		closed:   make(chan struct{}),
	}
}

// Listen accepts inbound peer connections on bindEndpoint.
func (t *Transport) Listen(bindEndpoint string) error {
	ln, err := net.Listen("tcp", bindEndpoint)
	if err != nil {
		return fmt.Errorf("mesh: listening on %s: %w", bindEndpoint, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return nil
}

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				slog.Warn("mesh: accept failed", "error", err)
				return
			}
		}
		go t.serveInboundHandshake(conn)
	}
}

// serveInboundHandshake reads the peer's self-identification frame, then
// attaches the connection to that peer's pipe (creating it if needed).
func (t *Transport) serveInboundHandshake(conn net.Conn) {
	id, err := readHandshake(conn, t.authKey)
	if err != nil {
		slog.Warn("mesh: inbound handshake failed", "error", err)
		conn.Close()
		return
	}
	p := t.getOrCreatePeer(id)
	p.attach(conn)
}

// lnAddr returns the listener's bound address, for tests that bind to ":0".
func (t *Transport) lnAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// Close shuts down all peer pipes and the listener.
func (t *Transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		t.ln.Close()
	}
	for _, p := range t.peers {
		p.close()
	}
	return nil
}

// Send enqueues a frame for target. It never blocks: a full queue returns
// SendQueueFull immediately. Connecting to a not-yet-seen target is
// initiated lazily and does not block the caller.
func (t *Transport) Send(target registry.NodeID, header, payload []byte) error {
	p := t.getOrCreatePeer(target)
	select {
	case p.out <- Frame{Target: target, Header: header, Payload: payload}:
		return nil
	default:
		return errorcode.SendQueueFull
	}
}

// QueueDepths returns each known peer's current outbound queue length,
// keyed by the peer's node id string, for metrics collection.
func (t *Transport) QueueDepths() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.peers))
	for id, p := range t.peers {
		out[id.String()] = len(p.out)
	}
	return out
}

func (t *Transport) getOrCreatePeer(id registry.NodeID) *peer {
	t.mu.Lock()
	p, ok := t.peers[id]
	if !ok {
		p = newPeer(t, id)
		t.peers[id] = p
		go p.dialLoop()
	}
	t.mu.Unlock()
	return p
}

// peer is one bidirectional pipe to another node, with its own bounded
// send queue, connect-on-demand dial loop, and send/receive workers.
type peer struct {
	t    *Transport
	id   registry.NodeID
	out  chan Frame
	mu   sync.Mutex
	conn net.Conn
	done chan struct{}
}

func newPeer(t *Transport, id registry.NodeID) *peer {
	return &peer{
		t:    t,
		id:   id,
		out:  make(chan Frame, t.queueCap),
		done: make(chan struct{}),
	}
}

func (p *peer) close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()
}

// dialLoop dials the peer with capped exponential backoff until connected
// or the transport is closed. Queued frames drain once the pipe is up.
func (p *peer) dialLoop() {
	backoff := minBackoff
	for {
		select {
		case <-p.done:
			return
		case <-p.t.closed:
			return
		default:
		}

		p.mu.Lock()
		alreadyConnected := p.conn != nil
		p.mu.Unlock()
		if alreadyConnected {
			return
		}

		endpoint, ok := p.t.reg.Endpoint(p.id)
		if !ok {
			slog.Warn("mesh: target not in registry", "target", p.id)
			return
		}

		_, err, _ := p.t.dial.Do(p.id.String(), func() (any, error) {
			conn, dialErr := net.DialTimeout("tcp", endpoint, 2*time.Second)
			if dialErr != nil {
				return nil, dialErr
			}
			if hsErr := writeHandshake(conn, p.t.self, p.t.authKey); hsErr != nil {
				conn.Close()
				return nil, hsErr
			}
			p.attach(conn)
			return nil, nil
		})
		if err == nil {
			return
		}

		p.t.reg.MarkSendFailure(p.id)
		select {
		case <-time.After(backoff):
		case <-p.done:
			return
		case <-p.t.closed:
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// attach wires a live connection to this peer's send/receive workers.
// Safe to call once per peer; a second call (e.g. a duplicate inbound
// connection racing an outbound dial) closes the loser.
func (p *peer) attach(conn net.Conn) {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.mu.Unlock()

	p.t.reg.MarkSendSuccess(p.id)
	go p.sendWorker(conn)
	go p.receiveWorker(conn)
}

func (p *peer) sendWorker(conn net.Conn) {
	w := bufio.NewWriter(conn)
	for {
		select {
		case <-p.done:
			return
		case f := <-p.out:
			if err := writeFrame(w, f); err != nil {
				slog.Warn("mesh: send failed", "peer", p.id, "error", err)
				p.t.reg.MarkSendFailure(p.id)
				p.reconnect()
				return
			}
			if err := w.Flush(); err != nil {
				slog.Warn("mesh: flush failed", "peer", p.id, "error", err)
				p.t.reg.MarkSendFailure(p.id)
				p.reconnect()
				return
			}
		}
	}
}

func (p *peer) receiveWorker(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		f, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				slog.Warn("mesh: receive failed", "peer", p.id, "error", err)
			}
			p.reconnect()
			return
		}
		p.t.onFrame(p.id, f)
	}
}

// reconnect drops the current connection and restarts the dial loop so
// queued and future sends eventually resume.
func (p *peer) reconnect() {
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return
	case <-p.t.closed:
		return
	default:
		go p.dialLoop()
	}
}

// --- wire-level framing for the peer pipe ---
//
// handshake: [u8 serviceId][u32 serverIdLen][serverId][8-byte authTag]
// frame:     [u8 targetServiceId][u32 targetServerIdLen][targetServerId]
//            [u32 headerLen][header][u32 payloadLen][payload]

func writeHandshake(w io.Writer, self registry.NodeID, authKey []byte) error {
	tag, err := computeAuthTag(authKey, self.ServiceID)
	if err != nil {
		return err
	}
	buf := []byte{byte(self.ServiceID)}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(self.ServerID)))
	buf = append(buf, self.ServerID...)
	buf = append(buf, tag...)
	_, werr := w.Write(buf)
	return werr
}

func readHandshake(r io.Reader, authKey []byte) (registry.NodeID, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return registry.NodeID{}, err
	}
	serviceID := head[0]
	n := binary.LittleEndian.Uint32(head[1:5])
	idBuf := make([]byte, n)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return registry.NodeID{}, err
	}
	tag := make([]byte, authTagSize)
	if _, err := io.ReadFull(r, tag); err != nil {
		return registry.NodeID{}, err
	}
	if !verifyAuthTag(authKey, config.ServiceID(serviceID), tag) {
		return registry.NodeID{}, fmt.Errorf("mesh: handshake authentication failed for service %d", serviceID)
	}
	return registry.NodeID{ServiceID: config.ServiceID(serviceID), ServerID: string(idBuf)}, nil
}

func writeFrame(w io.Writer, f Frame) error {
	buf := []byte{byte(f.Target.ServiceID)}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Target.ServerID)))
	buf = append(buf, f.Target.ServerID...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Header)))
	buf = append(buf, f.Header...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (Frame, error) {
	var targetHead [5]byte
	if _, err := io.ReadFull(r, targetHead[:]); err != nil {
		return Frame{}, err
	}
	serviceID := targetHead[0]
	n := binary.LittleEndian.Uint32(targetHead[1:5])
	idBuf := make([]byte, n)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return Frame{}, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	header := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	payload := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}

	return Frame{
		Target:  registry.NodeID{ServiceID: config.ServiceID(serviceID), ServerID: string(idBuf)},
		Header:  header,
		Payload: payload,
	}, nil
}
