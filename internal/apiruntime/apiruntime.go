// Package apiruntime implements the stateless API-node request dispatcher
// (C9): a msgId->handler registration table plus the apiLink facade handlers
// use to reply, create or reach a Play-node stage, and push to a client.
// Unlike a Stage, an API node has no actor lifecycle and no mailbox —
// handlers run directly on the goroutine that received the packet, since
// there is no shared per-request state to serialize against (I1 only
// applies within a stage).
package apiruntime

import (
	"time"

	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/registry"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// EncodeStageCreatePayload and DecodeStageCreatePayload carry stageType
// alongside the creator-defined payload: RoutePacket has no dedicated
// stageType field, so the CreateStage RPC prefixes it onto the payload
// instead of repurposing an unrelated header field.
func EncodeStageCreatePayload(stageType string, payload []byte) []byte {
	buf := make([]byte, 0, 1+len(stageType)+len(payload))
	buf = append(buf, byte(len(stageType)))
	buf = append(buf, stageType...)
	return append(buf, payload...)
}

func DecodeStageCreatePayload(data []byte) (stageType string, payload []byte, ok bool) {
	if len(data) == 0 {
		return "", nil, false
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, false
	}
	return string(data[1 : 1+n]), data[1+n:], true
}

// reserved msgIds for the CreateStage/GetOrCreateStage RPC a Play node's
// node-level stage registry answers; ordinary application handlers never
// register these.
const (
	MsgIDCreateStage      = "__createStage__"
	MsgIDGetOrCreateStage = "__getOrCreateStage__"
)

// Handler answers one API-bound route packet. p.MsgID selects the handler
// via the runtime's registration table.
type Handler func(p wire.RoutePacket, link *APILink)

// Runtime is one API node's request dispatcher. Safe for concurrent use:
// Register is expected at startup before HandleInbound traffic begins, but
// HandleInbound itself may be called concurrently from many goroutines.
type Runtime struct {
	router   *route.Dispatcher
	self     registry.NodeID
	handlers map[string]Handler
}

// New constructs a Runtime. router sends outbound RPCs (CreateStage,
// replies) and self identifies this node for stage-creation callbacks.
func New(router *route.Dispatcher, self registry.NodeID) *Runtime {
	return &Runtime{router: router, self: self, handlers: make(map[string]Handler)}
}

// Register binds msgID to h. Registering the same msgID twice replaces the
// previous handler.
func (rt *Runtime) Register(msgID string, h Handler) {
	rt.handlers[msgID] = h
}

// HandleInbound is wired as the ServiceAPI branch of a node's top-level
// routing (the counterpart of Stage.DispatchInterStage on a Play node). A
// msgId with no registered handler replies HandlerNotFound to the caller if
// the packet was a request.
func (rt *Runtime) HandleInbound(from registry.NodeID, p wire.RoutePacket) {
	h, ok := rt.handlers[p.MsgID]
	if !ok {
		if p.MsgSeq != 0 {
			rt.router.Reply(from, wire.RoutePacket{MsgSeq: p.MsgSeq, MsgID: p.MsgID, ErrorCode: errorcode.HandlerNotFound})
		}
		return
	}
	h(p, &APILink{from: from, request: p, router: rt.router, self: rt.self})
}

// APILink is the facade an API handler uses to answer its request, proxy a
// stage-creation RPC to a Play node, or push directly to a client session
// (§4.9).
type APILink struct {
	from    registry.NodeID
	request wire.RoutePacket
	router  *route.Dispatcher
	self    registry.NodeID
}

// Reply answers the inbound request, preserving its msgSeq.
func (l *APILink) Reply(p wire.RoutePacket) error {
	p.MsgSeq = l.request.MsgSeq
	return l.router.Reply(l.from, p)
}

// ReplyError answers the inbound request with a bare error code.
func (l *APILink) ReplyError(code errorcode.Code) error {
	return l.Reply(wire.RoutePacket{MsgID: l.request.MsgID, ErrorCode: code})
}

// StageCreateResult is the decoded outcome of a CreateStage/GetOrCreateStage
// RPC: ok reports whether the Play node created (or found) the stage;
// reply carries any creator-defined data the target's OnCreate returned.
type StageCreateResult struct {
	OK      bool
	ErrCode errorcode.Code
	Reply   []byte
}

// CreateStage asks playNode to create a new stage (stageType, stageId),
// carrying payload as the creation packet's body. cb runs with the decoded
// result once the Play node's reply arrives, times out, or the send fails.
func (l *APILink) CreateStage(playNode registry.NodeID, stageType string, stageID int64, payload []byte, timeout time.Duration, cb func(StageCreateResult, error)) {
	l.requestStageCreate(MsgIDCreateStage, playNode, stageType, stageID, payload, timeout, cb)
}

// GetOrCreateStage is CreateStage's idempotent counterpart: if stageId
// already exists on playNode, its current state is returned instead of
// creating a duplicate.
func (l *APILink) GetOrCreateStage(playNode registry.NodeID, stageType string, stageID int64, payload []byte, timeout time.Duration, cb func(StageCreateResult, error)) {
	l.requestStageCreate(MsgIDGetOrCreateStage, playNode, stageType, stageID, payload, timeout, cb)
}

func (l *APILink) requestStageCreate(msgID string, playNode registry.NodeID, stageType string, stageID int64, payload []byte, timeout time.Duration, cb func(StageCreateResult, error)) {
	fut := l.router.SendRequest(playNode, wire.RoutePacket{
		ServiceID: 1,
		MsgID:     msgID,
		StageID:   stageID,
		Payload:   EncodeStageCreatePayload(stageType, payload),
	}, timeout)

	go func() {
		reply, err := fut.Await()
		if err != nil {
			cb(StageCreateResult{}, err)
			return
		}
		cb(StageCreateResult{OK: reply.ErrorCode == errorcode.Success, ErrCode: reply.ErrorCode, Reply: reply.Payload}, nil)
	}()
}

// SendToClient pushes p to a session fronted by sessionNodeId, outside of
// any request/reply.
func (l *APILink) SendToClient(sessionNodeID registry.NodeID, sessionID int64, p wire.Packet) error {
	return l.router.Send(sessionNodeID, wire.RoutePacket{
		ServiceID: 1,
		MsgID:     p.MsgID,
		SessionID: sessionID,
		SessionNodeID: wire.NodeID{
			ServiceID: uint8(sessionNodeID.ServiceID),
			ServerID:  sessionNodeID.ServerID,
		},
		Payload: p.Payload,
	})
}
