// Package session implements the per-connection session endpoint (C2): a
// single writer goroutine serializing outbound packets, a caller-driven read
// loop decoding inbound packets in arrival order, the authentication gate,
// and an optional heartbeat. Grounded in the teacher's GameClient write-queue
// architecture (per-client sendCh + dedicated writer goroutine).
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/stage"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// State is a session's lifecycle state (§4.2).
type State int32

const (
	Open State = iota
	Authenticating
	Authenticated
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case Authenticating:
		return "Authenticating"
	case Authenticated:
		return "Authenticated"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Conn is the framed transport a session endpoint writes to and reads from.
// Transport listeners (C3) each produce one of these per accepted
// connection — raw length-prefix TCP/TLS, or one packet per binary WS frame.
type Conn interface {
	ReadPacket() (wire.Packet, error)
	WritePacket(p wire.Packet) error
	Close() error
}

// StageRouter is the subset of a Play node's stage registry a session needs:
// join the actor into its target stage, then dispatch authenticated traffic.
type StageRouter interface {
	JoinActor(sessionID int64, session stage.ClientSender, authPacket wire.Packet, result func(stage.JoinResult))
	Dispatch(accountID string, p wire.Packet)
}

// Config tunes one Endpoint. Zero values fall back to spec defaults.
type Config struct {
	AuthenticateMessageID string
	HeartbeatInterval     time.Duration // 0 disables the heartbeat
	CloseGrace            time.Duration
	SendQueueSize         int
	MaxPendingRequests    int // in-flight client requests awaiting a reply
}

func (c Config) withDefaults() Config {
	if c.CloseGrace <= 0 {
		c.CloseGrace = 200 * time.Millisecond
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.MaxPendingRequests <= 0 {
		c.MaxPendingRequests = 1024
	}
	return c
}

// Endpoint is one accepted client connection's session state (§4.2). All
// public methods are safe for concurrent use; only one goroutine may ever
// call Serve.
type Endpoint struct {
	conn      Conn
	cfg       Config
	router    StageRouter
	sessionID int64
	traceID   string

	state atomic.Int32

	mu        sync.Mutex
	accountID string
	queued    []wire.Packet // buffered while Authenticating

	sendCh          chan wire.Packet
	closeCh         chan struct{}
	closeOnce       sync.Once
	pendingRequests atomic.Int32

	activity atomic.Bool
}

// New constructs an Endpoint bound to conn and sessionID. Call Serve to run
// its read loop; Serve starts the writer and heartbeat goroutines itself.
// traceID is a uuid, independent of sessionId, used only to correlate this
// endpoint's own log lines across a reconnect (sessionId changes across
// reconnects; traceID does not identify anything on the wire).
func New(conn Conn, cfg Config, router StageRouter, sessionID int64) *Endpoint {
	cfg = cfg.withDefaults()
	return &Endpoint{
		conn:      conn,
		cfg:       cfg,
		router:    router,
		sessionID: sessionID,
		traceID:   uuid.NewString(),
		sendCh:    make(chan wire.Packet, cfg.SendQueueSize),
		closeCh:   make(chan struct{}),
	}
}

func (e *Endpoint) getState() State  { return State(e.state.Load()) }
func (e *Endpoint) setState(s State) { e.state.Store(int32(s)) }

// SessionID returns this endpoint's session id.
func (e *Endpoint) SessionID() int64 { return e.sessionID }

// AccountID returns the bound account id, empty until authenticated.
func (e *Endpoint) AccountID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accountID
}

// State returns the endpoint's current lifecycle state.
func (e *Endpoint) State() State { return e.getState() }

// SendQueueDepth returns the number of packets currently queued for the
// writer goroutine, for metrics collection.
func (e *Endpoint) SendQueueDepth() int { return len(e.sendCh) }

// Done returns a channel closed once Close has been called. Callers that
// track live endpoints externally (e.g. for metrics collection) can use
// this to know when to stop polling one.
func (e *Endpoint) Done() <-chan struct{} { return e.closeCh }

// Serve runs the blocking read loop (decode inbound packets in arrival
// order) after starting the writer and, if configured, heartbeat
// goroutines. Returns once the connection is closed, by either side.
func (e *Endpoint) Serve() {
	slog.Debug("session opened", "sessionId", e.sessionID, "traceId", e.traceID)
	go e.writePump()
	if e.cfg.HeartbeatInterval > 0 {
		go e.heartbeatLoop(e.cfg.HeartbeatInterval)
	}

	for {
		p, err := e.conn.ReadPacket()
		if err != nil {
			e.Close(errorcode.ConnectionClosed)
			return
		}
		e.activity.Store(true)
		e.deliverInbound(p)
		if e.getState() == Closed {
			return
		}
	}
}

// deliverInbound classifies one inbound packet per the state it arrived in
// (§4.2's authentication gate and post-gate queueing).
func (e *Endpoint) deliverInbound(p wire.Packet) {
	switch e.getState() {
	case Open:
		if p.MsgID != e.cfg.AuthenticateMessageID {
			e.sendErrorReply(p, errorcode.NotAuthenticated)
			e.Close(errorcode.NotAuthenticated)
			return
		}
		e.setState(Authenticating)
		e.router.JoinActor(e.sessionID, e, p, func(res stage.JoinResult) {
			e.onJoinResult(p, res)
		})

	case Authenticating:
		e.mu.Lock()
		e.queued = append(e.queued, p)
		e.mu.Unlock()

	case Authenticated:
		e.mu.Lock()
		accountID := e.accountID
		e.mu.Unlock()
		e.dispatchToStage(accountID, p)

	default: // Closing, Closed
	}
}

// dispatchToStage forwards p to the stage, enforcing the configured
// in-flight-request cap (§3: "max in-flight requests... exceeding it is an
// error") against requests (msgSeq != 0) this session has sent and not yet
// seen a reply for. Pushes never count against the cap. A handler that
// accepts a request packet but replies with neither an error nor a reply
// packet leaves its slot uncounted until the session closes; that is an
// application contract violation, not one this counter guards against.
func (e *Endpoint) dispatchToStage(accountID string, p wire.Packet) {
	if p.MsgSeq != 0 {
		if e.pendingRequests.Add(1) > int32(e.cfg.MaxPendingRequests) {
			e.pendingRequests.Add(-1)
			e.sendErrorReply(p, errorcode.BackpressureExceeded)
			e.Close(errorcode.BackpressureExceeded)
			return
		}
	}
	e.router.Dispatch(accountID, p)
}

// onJoinResult runs on whatever goroutine the stage's dispatcher delivers
// the join outcome from — never the Serve goroutine. State transitions here
// must be safe to race against deliverInbound's Authenticating-state
// branch, which they are: both only ever append to (or read) e.queued under
// e.mu, and e.state is atomic.
func (e *Endpoint) onJoinResult(authPacket wire.Packet, res stage.JoinResult) {
	if !res.OK {
		if res.Reply != nil {
			e.sendReplyTo(authPacket, *res.Reply)
		} else {
			e.sendErrorReply(authPacket, res.ErrCode)
		}
		e.Close(res.ErrCode)
		return
	}

	e.mu.Lock()
	e.accountID = res.Actor.AccountID()
	e.mu.Unlock()
	e.setState(Authenticated)

	if res.Reply != nil {
		e.sendReplyTo(authPacket, *res.Reply)
	}

	e.mu.Lock()
	pending := e.queued
	e.queued = nil
	accountID := e.accountID
	e.mu.Unlock()
	for _, qp := range pending {
		e.dispatchToStage(accountID, qp)
	}
}

func (e *Endpoint) sendErrorReply(request wire.Packet, code errorcode.Code) {
	e.enqueue(wire.Packet{MsgID: request.MsgID, MsgSeq: request.MsgSeq, StageID: request.StageID, ErrorCode: code})
}

func (e *Endpoint) sendReplyTo(request wire.Packet, reply wire.Packet) {
	reply.MsgSeq = request.MsgSeq
	e.enqueue(reply)
}

// SendPush implements stage.ClientSender: a push outside of any request.
func (e *Endpoint) SendPush(p wire.Packet) error {
	p.MsgSeq = 0
	return e.enqueue(p)
}

// SendReply implements stage.ClientSender: reply carries msgSeq already set
// by the caller (the stage preserves the originating request's msgSeq). It
// frees the in-flight-request slot dispatchToStage reserved for this msgSeq.
func (e *Endpoint) SendReply(p wire.Packet) error {
	if p.MsgSeq != 0 {
		e.pendingRequests.Add(-1)
	}
	return e.enqueue(p)
}

func (e *Endpoint) enqueue(p wire.Packet) error {
	select {
	case e.sendCh <- p:
		return nil
	default:
		e.Close(errorcode.SendQueueFull)
		return errorcode.SendQueueFull
	}
}

// writePump drains sendCh in FIFO order, writing each packet to conn. This
// is the session's one and only writer goroutine — enqueue order is write
// order (§4.2 push/reply ordering).
func (e *Endpoint) writePump() {
	for {
		select {
		case p := <-e.sendCh:
			if err := e.conn.WritePacket(p); err != nil {
				e.Close(errorcode.ConnectionClosed)
				return
			}
		case <-e.closeCh:
			e.drainGrace()
			return
		}
	}
}

// drainGrace flushes whatever is still queued when Close is called, up to
// cfg.CloseGrace, then tears down the connection. Closing conn here (rather
// than in Close itself) avoids writing to an already-closed conn from a
// drain that raced the close.
func (e *Endpoint) drainGrace() {
	deadline := time.After(e.cfg.CloseGrace)
drain:
	for {
		select {
		case p := <-e.sendCh:
			_ = e.conn.WritePacket(p)
		case <-deadline:
			break drain
		default:
			break drain
		}
	}
	e.conn.Close()
	e.setState(Closed)
}

// heartbeatLoop closes the session with Timeout after two consecutive
// intervals see no inbound activity (§4.2).
func (e *Endpoint) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ticker.C:
			if e.activity.Swap(false) {
				missed = 0
				continue
			}
			missed++
			if missed >= 2 {
				e.Close(errorcode.Timeout)
				return
			}
		case <-e.closeCh:
			return
		}
	}
}

// Close implements stage.ClientSender: transitions to Closing, flushes a
// close-notification packet carrying reason (§4.2/§7: session terminal
// errors are delivered to the client as a close notification before the
// transport closes), then signals the writer to drain queued writes (up to
// the configured grace period) and tear down the connection. Safe to call
// multiple times or concurrently; only the first call has effect. reason
// ConnectionClosed means the transport already went away (read error or
// peer hangup), so there is nobody left to notify.
func (e *Endpoint) Close(reason errorcode.Code) {
	e.closeOnce.Do(func() {
		e.setState(Closing)
		slog.Debug("session closing", "sessionId", e.sessionID, "traceId", e.traceID, "reason", reason)
		if reason != errorcode.ConnectionClosed {
			e.enqueueCloseNotification(reason)
		}
		close(e.closeCh)
	})
}

// enqueueCloseNotification best-effort enqueues a close-notification packet
// ahead of the teardown signal. It writes directly to sendCh rather than
// through enqueue, since enqueue calls Close on a full queue and Close is
// already running inside closeOnce here.
func (e *Endpoint) enqueueCloseNotification(reason errorcode.Code) {
	select {
	case e.sendCh <- wire.Packet{ErrorCode: reason}:
	default:
	}
}

var _ stage.ClientSender = (*Endpoint)(nil)
