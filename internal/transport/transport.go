// Package transport implements the four listener variants (C3): TCP, TLS,
// WS, and WSS. Each produces a session.Conn with an identical contract —
// ReadPacket decodes one client request/push frame, WritePacket encodes one
// reply/push frame — so C2 never knows which transport it is talking to.
package transport

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/session"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// Accepted is called once per accepted connection, after its session.Conn is
// fully constructed, with the remote address for logging/metrics.
type Accepted func(conn session.Conn, remoteAddr string)

// streamConn adapts a raw byte stream (TCP, or TLS-wrapped TCP) to
// session.Conn using the length-prefixed client wire codec directly.
type streamConn struct {
	nc net.Conn
}

func (c *streamConn) ReadPacket() (wire.Packet, error) {
	return wire.DecodeRequest(c.nc)
}

func (c *streamConn) WritePacket(p wire.Packet) error {
	return wire.EncodeReply(c.nc, p)
}

func (c *streamConn) Close() error { return c.nc.Close() }

// ListenTCP accepts raw length-prefixed connections on addr, handing each to
// onAccept. Blocks until the listener is closed or ctx-like shutdown via
// Close on the returned net.Listener; callers typically run this in its own
// goroutine.
func ListenTCP(addr string, onAccept Accepted) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go acceptLoop(ln, onAccept)
	return ln, nil
}

// ListenTLS is ListenTCP with the accepted connection wrapped by a
// certificate-terminated TLS handshake before any session is created. A
// handshake failure closes the raw connection without ever calling
// onAccept (§4.3).
func ListenTLS(addr string, cfg *tls.Config, onAccept Accepted) (net.Listener, error) {
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	go acceptLoop(ln, onAccept)
	return ln, nil
}

func acceptLoop(ln net.Listener, onAccept Accepted) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		if tlsConn, ok := nc.(*tls.Conn); ok {
			if err := tlsConn.Handshake(); err != nil {
				tlsConn.Close()
				continue
			}
		}
		onAccept(&streamConn{nc: nc}, nc.RemoteAddr().String())
	}
}

// wsConn adapts a gorilla/websocket connection to session.Conn: each binary
// WS frame carries exactly one client packet, decoded/encoded with the same
// request/reply framing used in-band on TCP (minus the outer length
// prefix, which the WS frame boundary already provides).
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadPacket() (wire.Packet, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return wire.Packet{}, err
	}
	if msgType != websocket.BinaryMessage {
		return wire.Packet{}, &wire.FrameError{Code: errorcode.ProtocolViolation, Msg: "unexpected WS opcode"}
	}
	return wire.DecodeRequest(sliceReader{data})
}

func (c *wsConn) WritePacket(p wire.Packet) error {
	var buf sliceWriter
	if err := wire.EncodeReply(&buf, p); err != nil {
		return err
	}
	// buf now holds the same [length][body] framing as the TCP codec
	// produces; one WS binary frame carries exactly one such unit.
	return c.ws.WriteMessage(websocket.BinaryMessage, buf.b)
}

func (c *wsConn) Close() error { return c.ws.Close() }

// sliceReader/sliceWriter let the same length-prefixed codec used for raw
// TCP serve one-frame-per-WS-message without a real net.Conn underneath.
type sliceReader struct{ b []byte }

func (r sliceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

type sliceWriter struct{ b []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// WSConfig configures the WS/WSS upgrade listener.
type WSConfig struct {
	Path           string // default "/ws"
	HandshakeTimeout time.Duration
}

func (c WSConfig) withDefaults() WSConfig {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// ListenWS serves WS upgrades on addr at cfg.Path. TLS termination (WSS) is
// layered by passing an *http.Server already configured with TLSConfig and
// calling ServeTLS instead of Serve — NewWSHandler is transport-agnostic.
func ListenWS(addr string, cfg WSConfig, onAccept Accepted) (*http.Server, error) {
	cfg = cfg.withDefaults()
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, NewWSHandler(cfg, onAccept))
	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go srv.Serve(ln)
	return srv, nil
}

// NewWSHandler builds the http.Handler that performs the WS upgrade and
// hands the resulting connection to onAccept. A failed upgrade (bad
// handshake, wrong method) never calls onAccept (§4.3).
func NewWSHandler(cfg WSConfig, onAccept Accepted) http.Handler {
	cfg = cfg.withDefaults()
	upgrader := websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onAccept(&wsConn{ws: conn}, conn.RemoteAddr().String())
	})
}
