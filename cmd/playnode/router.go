package main

import (
	"github.com/playhouse-go/playhouse/internal/apiruntime"
	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/registry"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/stage"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// sessionRouter adapts a node-wide stage.Table to session.StageRouter for
// one connected client. It resolves the target stage from the
// authenticate packet's stageId, creating it from defaultStageType if it
// does not exist yet (spec's join-triggers-stage-create path), then
// remembers the resolved stageId so later Dispatch calls reach the right
// stage without re-parsing anything.
type sessionRouter struct {
	table            *stage.Table
	defaultStageType string
	stageID          int64
}

func (r *sessionRouter) JoinActor(sessionID int64, session stage.ClientSender, authPacket wire.Packet, result func(stage.JoinResult)) {
	r.stageID = authPacket.StageID
	r.table.GetOrCreateStage(r.defaultStageType, authPacket.StageID, authPacket, func(ok bool, code errorcode.Code, reply *wire.Packet) {
		if !ok {
			result(stage.JoinResult{OK: false, ErrCode: code, Reply: reply})
			return
		}
		r.table.JoinActor(authPacket.StageID, sessionID, session, authPacket, result)
	})
}

func (r *sessionRouter) Dispatch(accountID string, p wire.Packet) {
	s, ok := r.table.Get(r.stageID)
	if !ok {
		return
	}
	s.Dispatch(accountID, p)
}

// newPlayInbound builds the route.Inbound handler for a Play node: it
// services the CreateStage/GetOrCreateStage RPCs that API nodes send this
// node, and routes every other inbound RoutePacket to the stage named by
// its stageId for inter-stage delivery. table and dispatcher are resolved
// lazily since the stage.Table and *route.Dispatcher this handler depends
// on (and is registered on, respectively) don't exist yet at the point
// this closure is built — the three are mutually constructed.
func newPlayInbound(table func() *stage.Table, dispatcher func() *route.Dispatcher) route.Inbound {
	return func(from registry.NodeID, p wire.RoutePacket) {
		switch p.MsgID {
		case apiruntime.MsgIDCreateStage, apiruntime.MsgIDGetOrCreateStage:
			handleStageCreateRPC(table(), dispatcher(), from, p)
			return
		}

		s, ok := table().Get(p.StageID)
		if !ok {
			if p.MsgSeq != 0 {
				dispatcher().Reply(from, wire.RoutePacket{MsgSeq: p.MsgSeq, ErrorCode: errorcode.StageNotFound})
			}
			return
		}
		s.DispatchInterStage(wire.Packet{MsgID: p.MsgID, StageID: p.StageID, Payload: p.Payload})
	}
}

func handleStageCreateRPC(table *stage.Table, d *route.Dispatcher, from registry.NodeID, p wire.RoutePacket) {
	stageType, payload, ok := apiruntime.DecodeStageCreatePayload(p.Payload)
	if !ok {
		d.Reply(from, wire.RoutePacket{MsgSeq: p.MsgSeq, ErrorCode: errorcode.InvalidMessage})
		return
	}

	onReply := func(ok bool, code errorcode.Code, reply *wire.Packet) {
		resp := wire.RoutePacket{MsgSeq: p.MsgSeq, ErrorCode: code}
		if reply != nil {
			resp.Payload = reply.Payload
		}
		d.Reply(from, resp)
	}

	createPacket := wire.Packet{MsgID: p.MsgID, StageID: p.StageID, Payload: payload}
	if p.MsgID == apiruntime.MsgIDCreateStage {
		table.CreateStage(stageType, p.StageID, createPacket, onReply)
		return
	}
	table.GetOrCreateStage(stageType, p.StageID, createPacket, onReply)
}
