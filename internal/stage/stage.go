// Package stage implements the stage dispatcher and actor lifecycle (C6).
// Every Stage owns a single-threaded logical executor: a mailbox drained by
// exactly one goroutine, so application handlers never run concurrently
// with each other inside the same stage (I1). Suspension points (async
// offload, inter-node requests) never block that goroutine — they hand
// their eventual completion back in through the same mailbox, so the
// dispatcher keeps draining other work while a handler is logically
// "awaiting" a reply.
package stage

import (
	"sync/atomic"
	"time"

	"github.com/playhouse-go/playhouse/internal/async"
	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/metrics"
	"github.com/playhouse-go/playhouse/internal/registry"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/timer"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// State is a Stage's lifecycle state (§3).
type State int32

const (
	Created State = iota
	Active
	Destroying
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Active:
		return "Active"
	case Destroying:
		return "Destroying"
	case Destroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// ActorState is an Actor's lifecycle state (§3).
type ActorState int32

const (
	Nascent ActorState = iota
	Authenticated
	Joined
	Paused
	Departed
)

func (s ActorState) String() string {
	switch s {
	case Nascent:
		return "Nascent"
	case Authenticated:
		return "Authenticated"
	case Joined:
		return "Joined"
	case Paused:
		return "Paused"
	case Departed:
		return "Departed"
	default:
		return "Unknown"
	}
}

// LeaveReason is carried to OnLeaveRoom when an actor stops being Joined.
type LeaveReason int

const (
	LeaveDisconnected LeaveReason = iota
	LeaveClosed
	LeaveTimeout
	LeaveRejected
)

// ClientSender is the outbound half of a session endpoint (C2), narrowed to
// what the stage needs to push or reply to a connected client.
type ClientSender interface {
	SendPush(p wire.Packet) error
	SendReply(p wire.Packet) error
	Close(reason errorcode.Code)
}

// Actor is the server-side representation of one authenticated client
// inside a Stage. All fields are touched exclusively from the owning
// Stage's dispatcher goroutine; no locking is required or used here (I1).
type Actor struct {
	stage     *Stage
	accountID string
	sessionID int64
	state     ActorState
	session   ClientSender
	pausedAt  time.Time
}

// AccountID returns the actor's account id, settable exactly once via
// SetAccountID during OnAuthenticate.
func (a *Actor) AccountID() string { return a.accountID }

// SessionID returns the current session id (changes across reconnects).
func (a *Actor) SessionID() int64 { return a.sessionID }

// State returns the actor's current lifecycle state.
func (a *Actor) State() ActorState { return a.state }

// SetAccountID sets the actor's account id. Only valid while Nascent;
// subsequent calls are ignored (accountId is settable exactly once, per
// §4.10). Called by application code from inside OnAuthenticate.
func (a *Actor) SetAccountID(id string) {
	if a.state == Nascent && a.accountID == "" {
		a.accountID = id
	}
}

// Reply answers the request that is currently being dispatched to this
// actor, writing back through the client session (client-originated case
// per §4.6's "reply correlation at this layer").
func (a *Actor) Reply(p wire.Packet) error {
	if a.session == nil {
		return errorcode.ConnectionClosed
	}
	return a.session.SendReply(p)
}

// SendToClient pushes p to this actor's client outside of a request/reply.
func (a *Actor) SendToClient(p wire.Packet) error {
	if a.session == nil {
		return errorcode.ConnectionClosed
	}
	return a.session.SendPush(p)
}

// Request sends p to targetNode via the stage's route dispatcher and
// delivers the eventual reply to cb on this stage's dispatcher goroutine.
// cb never runs after the stage is destroyed.
func (a *Actor) Request(targetNode registry.NodeID, p wire.RoutePacket, timeout time.Duration, cb func(wire.RoutePacket, error)) {
	a.stage.requestTo(targetNode, p, timeout, cb)
}

// StageAware is an optional interface a Handler may implement to receive
// the owning Stage as soon as it exists (before OnCreate). It exists so
// application code can build a higher-level facade (e.g. a
// contract.StageLink) once per stage instead of reaching back into Stage
// from every handler method.
type StageAware interface {
	AttachStage(s *Stage)
}

// Handler is application code's stage implementation, invoked exclusively
// from the owning Stage's dispatcher goroutine.
type Handler interface {
	// OnCreate validates the creation packet and builds application state.
	// !ok destroys the stage immediately; replyPacket (if non-nil) is sent
	// back to the creator.
	OnCreate(create wire.Packet) (ok bool, replyPacket *wire.Packet)
	OnPostCreate()

	// OnAuthenticate must set actor.AccountID() (via SetAccountID) and
	// return ok==true for the join to proceed; otherwise the session is
	// closed with InvalidAccountId.
	OnAuthenticate(actor *Actor, auth wire.Packet) (ok bool, replyPacket *wire.Packet)
	OnPostAuthenticate(actor *Actor)

	OnJoinStage(actor *Actor) bool
	OnPostJoinStage(actor *Actor)

	// OnDispatch handles one application packet. actor is nil for
	// inter-stage (node-originated) packets. Panics are recovered by the
	// stage executor and turned into InternalError per §4.6.
	OnDispatch(actor *Actor, p wire.Packet) (replyPacket *wire.Packet, err error)

	OnConnectionChanged(actor *Actor, connected bool)
	OnLeaveRoom(actor *Actor, reason LeaveReason)
	OnDestroyActor(actor *Actor)

	OnDestroy()
}

// pendingRequest tracks an outbound inter-node request this stage
// initiated, so CloseStage can cancel everything still outstanding.
type pendingRequest struct {
	future *route.Future
}

// Stage owns a single logical executor: one goroutine draining an unbounded
// (here: large buffered) FIFO mailbox. All application handler invocations
// for this stage happen on that goroutine, serialized (I1).
type Stage struct {
	StageType string
	StageID   int64

	handler Handler
	offload *async.Offloader
	router  *route.Dispatcher
	self    registry.NodeID

	timers *timer.Wheel

	mailbox chan func()
	closed  chan struct{}
	metrics *metrics.Registry

	state           atomic.Int32      // State, written only from the dispatcher goroutine, read from any
	actors          map[string]*Actor // accountId -> actor
	nextReqID       uint64
	pendingRequests map[uint64]pendingRequest
	pausedWindow    time.Duration
}

func (s *Stage) getState() State     { return State(s.state.Load()) }
func (s *Stage) setState(v State)    { s.state.Store(int32(v)) }

// MailboxDepth returns the number of posted-but-not-yet-run items currently
// queued in this stage's executor mailbox. Safe to call from any goroutine.
func (s *Stage) MailboxDepth() int { return len(s.mailbox) }

// SetMetrics attaches the node's metrics registry so dispatch counters get
// recorded; called once by Table right after construction. Left nil (the
// zero value), dispatch simply skips recording.
func (s *Stage) SetMetrics(m *metrics.Registry) { s.metrics = m }

// New constructs a Stage. offload and router may be shared across every
// stage on a node; self identifies this node for outbound RoutePacket
// framing. pausedWindow bounds how long a disconnected actor may remain
// Paused before being departed with LeaveTimeout (spec default 5 min).
// gameLoopLimits bounds the game loop this stage's handler may start
// (zero value selects the timer package's own defaults).
func New(stageType string, stageID int64, handler Handler, offload *async.Offloader, router *route.Dispatcher, self registry.NodeID, pausedWindow time.Duration, gameLoopLimits timer.Limits) *Stage {
	s := &Stage{
		StageType:       stageType,
		StageID:         stageID,
		handler:         handler,
		offload:         offload,
		router:          router,
		self:            self,
		mailbox:         make(chan func(), 4096),
		closed:          make(chan struct{}),
		actors:          make(map[string]*Actor),
		pendingRequests: make(map[uint64]pendingRequest),
		pausedWindow:    pausedWindow,
	}
	s.timers = timer.New(s.post, gameLoopLimits)
	if sa, ok := handler.(StageAware); ok {
		sa.AttachStage(s)
	}
	return s
}

// post enqueues fn to run on this stage's dispatcher goroutine. Safe to
// call from any goroutine; a post arriving after the stage has stopped
// running is simply dropped.
func (s *Stage) post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.closed:
	}
}

// Run drains the mailbox until CloseStage has fully processed. Call this
// once, from a dedicated goroutine, immediately after New.
func (s *Stage) Run() {
	for {
		select {
		case fn := <-s.mailbox:
			s.invoke(fn)
			if s.getState() == Destroyed {
				close(s.closed)
				return
			}
		case <-s.closed:
			return
		}
	}
}

// invoke runs fn, recovering a panic into a logged no-op: application bugs
// must not crash the stage executor goroutine (§7 propagation policy 3).
func (s *Stage) invoke(fn func()) {
	defer func() {
		recover()
	}()
	fn()
}

// Create posts the stage-creation sequence (OnCreate then OnPostCreate).
// onReply, if non-nil, receives the creator's reply packet and whether
// creation succeeded.
func (s *Stage) Create(createPacket wire.Packet, onReply func(ok bool, reply *wire.Packet)) {
	s.post(func() {
		if s.getState() != Created {
			return
		}
		ok, reply := s.handler.OnCreate(createPacket)
		if !ok {
			s.setState(Destroying)
			s.timers.Close()
			s.handler.OnDestroy()
			s.setState(Destroyed)
			if onReply != nil {
				onReply(false, reply)
			}
			return
		}
		s.setState(Active)
		s.handler.OnPostCreate()
		if onReply != nil {
			onReply(true, reply)
		}
	})
}

// JoinActor runs the actor-join sequence (§4.6): allocate, authenticate,
// post-authenticate, join, post-join. result reports the terminal outcome;
// on failure the caller is responsible for closing the client session with
// the carried error code.
type JoinResult struct {
	Actor   *Actor
	OK      bool
	ErrCode errorcode.Code
	Reply   *wire.Packet
}

func (s *Stage) JoinActor(sessionID int64, session ClientSender, authPacket wire.Packet, result func(JoinResult)) {
	s.post(func() {
		if s.getState() != Active {
			result(JoinResult{OK: false, ErrCode: errorcode.StageNotFound})
			return
		}

		actor := &Actor{stage: s, sessionID: sessionID, session: session, state: Nascent}
		ok, reply := s.handler.OnAuthenticate(actor, authPacket)
		if !ok || actor.accountID == "" {
			result(JoinResult{Actor: actor, OK: false, ErrCode: errorcode.InvalidAccountID, Reply: reply})
			return
		}
		actor.state = Authenticated
		s.handler.OnPostAuthenticate(actor)

		if !s.handler.OnJoinStage(actor) {
			actor.state = Departed
			result(JoinResult{Actor: actor, OK: false, ErrCode: errorcode.JoinStageRejected, Reply: reply})
			return
		}
		actor.state = Joined
		s.actors[actor.accountID] = actor
		s.handler.OnPostJoinStage(actor)
		result(JoinResult{Actor: actor, OK: true, Reply: reply})
	})
}

// Dispatch delivers one client-originated application packet to actor
// (looked up by accountId), exactly once. If p is a request (MsgSeq != 0)
// and the handler errors, an InternalError reply is sent back automatically.
func (s *Stage) Dispatch(accountID string, p wire.Packet) {
	s.post(func() {
		if s.getState() != Active {
			return
		}
		actor, ok := s.actors[accountID]
		if !ok {
			return
		}
		s.dispatchOne(actor, p)
	})
}

// DispatchInterStage delivers an inter-node packet (no originating actor).
func (s *Stage) DispatchInterStage(p wire.Packet) {
	s.post(func() {
		if s.getState() != Active {
			return
		}
		s.dispatchOne(nil, p)
	})
}

func (s *Stage) dispatchOne(actor *Actor, p wire.Packet) {
	if reply, handled := s.handleAdminMessage(p); handled {
		if reply != nil && actor != nil {
			actor.Reply(*reply)
		}
		return
	}
	reply, err := s.safeDispatch(actor, p)
	if s.metrics != nil {
		s.metrics.DispatchTotal.WithLabelValues(s.StageType, p.MsgID).Inc()
		if err != nil {
			s.metrics.DispatchErrorTotal.WithLabelValues(s.StageType, p.MsgID).Inc()
		}
	}
	if err != nil {
		if p.MsgSeq != 0 {
			errReply := wire.Packet{MsgID: p.MsgID, MsgSeq: p.MsgSeq, StageID: p.StageID, ErrorCode: errorcode.InternalError}
			if actor != nil {
				actor.Reply(errReply)
			}
		}
		return
	}
	if reply != nil && actor != nil {
		actor.Reply(*reply)
	}
}

func (s *Stage) safeDispatch(actor *Actor, p wire.Packet) (reply *wire.Packet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorcode.InternalError
		}
	}()
	return s.handler.OnDispatch(actor, p)
}

// SetConnectionState transitions actor between Joined and Paused on
// connect/disconnect (§4.6 actor pause/resume). Disconnecting arms a
// pausedWindow timeout leaving the actor with LeaveTimeout if it never
// reconnects.
func (s *Stage) SetConnectionState(accountID string, connected bool, newSession ClientSender) {
	s.post(func() {
		actor, ok := s.actors[accountID]
		if !ok {
			return
		}
		if connected {
			actor.session = newSession
			actor.state = Joined
			s.handler.OnConnectionChanged(actor, true)
			return
		}
		actor.state = Paused
		actor.pausedAt = time.Now()
		s.handler.OnConnectionChanged(actor, false)
		if s.pausedWindow > 0 {
			s.timers.AddCountTimer(s.pausedWindow, 0, 1, func() {
				a, ok := s.actors[accountID]
				if !ok || a.state != Paused {
					return
				}
				s.departActor(a, LeaveTimeout)
			})
		}
	})
}

func (s *Stage) departActor(a *Actor, reason LeaveReason) {
	a.state = Departed
	delete(s.actors, a.accountID)
	s.handler.OnLeaveRoom(a, reason)
	s.handler.OnDestroyActor(a)
}

// AddRepeatTimer, AddCountTimer, CancelTimer, HasTimer delegate to the
// stage's timer wheel (C7), available to application code via StageLink.
func (s *Stage) AddRepeatTimer(initialDelay, period time.Duration, cb func()) timer.ID {
	return s.timers.AddRepeatTimer(initialDelay, period, cb)
}

func (s *Stage) AddCountTimer(initialDelay, period time.Duration, count int, cb func()) timer.ID {
	return s.timers.AddCountTimer(initialDelay, period, count, cb)
}

func (s *Stage) CancelTimer(id timer.ID) { s.timers.CancelTimer(id) }
func (s *Stage) HasTimer(id timer.ID) bool { return s.timers.HasTimer(id) }

func (s *Stage) StartGameLoop(fixedTimestep time.Duration, cb func(deltaMs, totalElapsedMs int64)) error {
	return s.timers.StartGameLoop(fixedTimestep, 0, cb)
}

func (s *Stage) StopGameLoop()             { s.timers.StopGameLoop() }
func (s *Stage) IsGameLoopRunning() bool   { return s.timers.IsGameLoopRunning() }

// AsyncCompute and AsyncIO offload pre to the node's shared pools; post (if
// non-nil) runs back on this stage's dispatcher goroutine with pre's result.
func (s *Stage) AsyncCompute(pre async.Pre, post async.Post) {
	s.offload.AsyncCompute(s.post, pre, post)
}

func (s *Stage) AsyncIO(pre async.Pre, post async.Post) {
	s.offload.AsyncIO(s.post, pre, post)
}

// requestTo sends an inter-node request and delivers the reply to cb on
// this stage's dispatcher goroutine. The request is tracked so CloseStage
// can cancel it.
func (s *Stage) requestTo(target registry.NodeID, p wire.RoutePacket, timeout time.Duration, cb func(wire.RoutePacket, error)) {
	if s.router == nil {
		s.post(func() { cb(wire.RoutePacket{}, errorcode.SystemError) })
		return
	}
	p.StageID = s.StageID
	fut := s.router.SendRequest(target, p, timeout)

	s.nextReqID++
	id := s.nextReqID
	s.pendingRequests[id] = pendingRequest{future: fut}

	go func() {
		reply, err := fut.Await()
		s.post(func() {
			delete(s.pendingRequests, id)
			cb(reply, err)
		})
	}()
}

// RequestToStage sends p to a sibling Play stage.
func (s *Stage) RequestToStage(target registry.NodeID, p wire.RoutePacket, timeout time.Duration, cb func(wire.RoutePacket, error)) {
	s.requestTo(target, p, timeout, cb)
}

// RequestToAPI sends p to a specific API node.
func (s *Stage) RequestToAPI(target registry.NodeID, p wire.RoutePacket, timeout time.Duration, cb func(wire.RoutePacket, error)) {
	s.requestTo(target, p, timeout, cb)
}

// SendToStage is the fire-and-forget counterpart of RequestToStage.
func (s *Stage) SendToStage(target registry.NodeID, p wire.RoutePacket) error {
	if s.router == nil {
		return errorcode.SystemError
	}
	p.StageID = s.StageID
	return s.router.Send(target, p)
}

// CloseStage posts the stage-close sequence (§4.6): cancel timers and the
// game loop, cancel outstanding requests with StageClosed, leave and
// destroy every actor, destroy the stage, then stop accepting further
// mailbox items.
func (s *Stage) CloseStage() {
	s.post(func() {
		if s.getState() == Destroying || s.getState() == Destroyed {
			return
		}
		s.setState(Destroying)

		s.timers.Close()

		for _, pr := range s.pendingRequests {
			pr.future.Cancel()
		}
		s.pendingRequests = make(map[uint64]pendingRequest)

		for _, actor := range s.actors {
			s.handler.OnLeaveRoom(actor, LeaveClosed)
			actor.state = Departed
			s.handler.OnDestroyActor(actor)
		}
		s.actors = make(map[string]*Actor)

		s.handler.OnDestroy()
		s.setState(Destroyed)
	})
}

// State returns the stage's current lifecycle state. Safe to call from any
// goroutine for observability (metrics, tests); application handlers
// should rely on the executor's own serialization instead of polling this.
func (s *Stage) State() State { return s.getState() }
