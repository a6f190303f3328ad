// Package contract exposes the public facade types application code
// programs against (C10): StageLink, ActorLink, and a consumed-once Packet
// view. Both link types are thin wrappers over internal/stage's executor
// types, renamed and reshaped to the vocabulary application authors see —
// the stage package itself stays free of presentation concerns.
package contract

import (
	"time"

	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/registry"
	"github.com/playhouse-go/playhouse/internal/stage"
	"github.com/playhouse-go/playhouse/internal/timer"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// SelectionPolicy chooses among the nodes registered for a service.
type SelectionPolicy int

const (
	RoundRobin SelectionPolicy = iota
	Fixed
)

// StageLink is the facade a Stage's application handlers use to affect
// timers, the game loop, async offload, and outbound traffic.
type StageLink struct {
	s   *stage.Stage
	reg *registry.Registry
}

// NewStageLink wraps s for application code. reg resolves selection
// policies for RequestToAPIService; nil disables that one call.
func NewStageLink(s *stage.Stage, reg *registry.Registry) *StageLink {
	return &StageLink{s: s, reg: reg}
}

func (l *StageLink) StageID() int64      { return l.s.StageID }
func (l *StageLink) StageType() string   { return l.s.StageType }

func (l *StageLink) AddRepeatTimer(initialDelay, period time.Duration, cb func()) timer.ID {
	return l.s.AddRepeatTimer(initialDelay, period, cb)
}

func (l *StageLink) AddCountTimer(initialDelay, period time.Duration, count int, cb func()) timer.ID {
	return l.s.AddCountTimer(initialDelay, period, count, cb)
}

func (l *StageLink) CancelTimer(id timer.ID) { l.s.CancelTimer(id) }
func (l *StageLink) HasTimer(id timer.ID) bool { return l.s.HasTimer(id) }

func (l *StageLink) StartGameLoop(fixedTimestep time.Duration, cb func(deltaMs, totalElapsedMs int64)) error {
	return l.s.StartGameLoop(fixedTimestep, cb)
}
func (l *StageLink) StopGameLoop()           { l.s.StopGameLoop() }
func (l *StageLink) IsGameLoopRunning() bool { return l.s.IsGameLoopRunning() }

func (l *StageLink) AsyncCompute(pre func() (any, error), post func(any, error)) {
	l.s.AsyncCompute(pre, post)
}
func (l *StageLink) AsyncIO(pre func() (any, error), post func(any, error)) {
	l.s.AsyncIO(pre, post)
}

func (l *StageLink) CloseStage() { l.s.CloseStage() }

// SendToClient pushes a packet to a session fronted by a (possibly remote)
// Play node, via an inter-node RoutePacket carrying the session address.
func (l *StageLink) SendToClient(sessionNodeID registry.NodeID, sessionID int64, p wire.Packet) error {
	return l.s.SendToStage(sessionNodeID, wire.RoutePacket{
		ServiceID:     1,
		MsgID:         p.MsgID,
		MsgSeq:        0,
		StageID:       p.StageID,
		SessionID:     sessionID,
		SessionNodeID: wire.NodeID{ServiceID: uint8(sessionNodeID.ServiceID), ServerID: sessionNodeID.ServerID},
		Payload:       p.Payload,
	})
}

// SendToAPI is the fire-and-forget counterpart of RequestToAPI.
func (l *StageLink) SendToAPI(nodeID registry.NodeID, p wire.RoutePacket) error {
	p.ServiceID = 2
	return l.s.SendToStage(nodeID, p)
}

// RequestToAPI sends p to a specific API node; cb is invoked on this
// stage's dispatcher goroutine with the reply or error.
func (l *StageLink) RequestToAPI(nodeID registry.NodeID, p wire.RoutePacket, timeout time.Duration, cb func(wire.RoutePacket, error)) {
	p.ServiceID = 2
	l.s.RequestToAPI(nodeID, p, timeout, cb)
}

// RequestToAPIService selects an API node by policy and requests it.
func (l *StageLink) RequestToAPIService(service registry.NodeID, policy SelectionPolicy, p wire.RoutePacket, timeout time.Duration, cb func(wire.RoutePacket, error)) {
	if l.reg == nil {
		cb(wire.RoutePacket{}, errorcode.ServerNotFound)
		return
	}
	var target registry.NodeID
	var ok bool
	switch policy {
	case Fixed:
		target, ok = l.reg.SelectFixed(service)
	default:
		target, ok = l.reg.SelectRoundRobin(service.ServiceID)
	}
	if !ok {
		cb(wire.RoutePacket{}, errorcode.ServerNotFound)
		return
	}
	l.RequestToAPI(target, p, timeout, cb)
}

// RequestToStage sends p to a sibling Play stage, identified by the stage's
// owning node id; routing to the right stage within that node happens via
// p.StageID, resolved by the target node's stage registry.
func (l *StageLink) RequestToStage(targetNode registry.NodeID, p wire.RoutePacket, timeout time.Duration, cb func(wire.RoutePacket, error)) {
	p.ServiceID = 1
	l.s.RequestToStage(targetNode, p, timeout, cb)
}

// ActorLink is the facade a Stage's application handlers use for one
// joined client: identity, replying, pushing, and requesting on its behalf.
type ActorLink struct {
	a *stage.Actor
}

// NewActorLink wraps a for application code.
func NewActorLink(a *stage.Actor) *ActorLink { return &ActorLink{a: a} }

func (l *ActorLink) AccountID() string { return l.a.AccountID() }
func (l *ActorLink) SessionID() int64  { return l.a.SessionID() }

// SetAccountID sets the account id exactly once, only meaningful from
// inside OnAuthenticate.
func (l *ActorLink) SetAccountID(id string) { l.a.SetAccountID(id) }

func (l *ActorLink) Reply(p wire.Packet) error        { return l.a.Reply(p) }
func (l *ActorLink) SendToClient(p wire.Packet) error { return l.a.SendToClient(p) }

func (l *ActorLink) Request(targetNode registry.NodeID, p wire.RoutePacket, timeout time.Duration, cb func(wire.RoutePacket, error)) {
	l.a.Request(targetNode, p, timeout, cb)
}

// PacketView is a header-accessor + zero-copy payload view over one wire
// Packet. It may be consumed exactly once; a second Payload() call after
// Consume returns an error, matching §4.10's validity rule against
// duplicated handling.
type PacketView struct {
	p        wire.Packet
	consumed bool
}

// NewPacketView wraps p for a single handler invocation.
func NewPacketView(p wire.Packet) *PacketView { return &PacketView{p: p} }

func (v *PacketView) MsgID() string            { return v.p.MsgID }
func (v *PacketView) MsgSeq() uint16           { return v.p.MsgSeq }
func (v *PacketView) StageID() int64           { return v.p.StageID }
func (v *PacketView) ErrorCode() errorcode.Code { return v.p.ErrorCode }

// Payload returns the packet's payload and marks the view consumed. A
// second call returns InvalidMessage per §4.10.
func (v *PacketView) Payload() ([]byte, error) {
	if v.consumed {
		return nil, errorcode.InvalidMessage
	}
	v.consumed = true
	return v.p.Payload, nil
}
