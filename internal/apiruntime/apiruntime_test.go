package apiruntime

import (
	"sync"
	"testing"
	"time"

	"github.com/playhouse-go/playhouse/internal/config"
	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/mesh"
	"github.com/playhouse-go/playhouse/internal/registry"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// fakeSender loops a frame synchronously to a peer Dispatcher, modeling a
// single-hop mesh without real sockets (mirrors internal/route's own test
// helper, one Dispatcher per node rather than a single self-looping one).
type fakeSender struct {
	mu   sync.Mutex
	self registry.NodeID
	peer *route.Dispatcher
}

func (s *fakeSender) Send(target registry.NodeID, header, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer.HandleFrame(s.self, mesh.Frame{Target: target, Header: header, Payload: payload})
	return nil
}

// newNodePair wires a caller dispatcher (nodeA, no registered handlers) to
// an API runtime running on nodeB.
func newNodePair(t *testing.T) (caller *route.Dispatcher, nodeB registry.NodeID, rt *Runtime) {
	t.Helper()
	nodeA := registry.NodeID{ServiceID: config.ServiceAPI, ServerID: "api-caller"}
	nodeB = registry.NodeID{ServiceID: config.ServiceAPI, ServerID: "api-1"}

	bSender := &fakeSender{self: nodeB}
	var bDispatcher *route.Dispatcher
	bDispatcher = route.New(nodeB, bSender, func(from registry.NodeID, p wire.RoutePacket) {
		rt.HandleInbound(from, p)
	})
	rt = New(bDispatcher, nodeB)

	aSender := &fakeSender{self: nodeA, peer: bDispatcher}
	caller = route.New(nodeA, aSender, func(registry.NodeID, wire.RoutePacket) {
		t.Fatal("caller should not receive unsolicited inbound")
	})
	bSender.peer = caller // B replies back to A through the same loop

	return caller, nodeB, rt
}

func TestRegisterAndDispatch_RepliesWithMsgSeqPreserved(t *testing.T) {
	caller, nodeB, rt := newNodePair(t)
	rt.Register("Ping", func(p wire.RoutePacket, link *APILink) {
		link.Reply(wire.RoutePacket{Payload: []byte("pong")})
	})

	fut := caller.SendRequest(nodeB, wire.RoutePacket{MsgID: "Ping"}, time.Second)
	reply, err := fut.Await()
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(reply.Payload) != "pong" {
		t.Errorf("payload = %q, want pong", reply.Payload)
	}
}

func TestHandleInbound_UnknownMsgIDRepliesHandlerNotFound(t *testing.T) {
	caller, nodeB, _ := newNodePair(t)

	fut := caller.SendRequest(nodeB, wire.RoutePacket{MsgID: "Nope"}, time.Second)
	reply, err := fut.Await()
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if reply.ErrorCode != errorcode.HandlerNotFound {
		t.Errorf("errorCode = %v, want HandlerNotFound", reply.ErrorCode)
	}
}

func TestStageCreatePayload_RoundTrips(t *testing.T) {
	encoded := EncodeStageCreatePayload("room", []byte("body"))
	stageType, payload, ok := DecodeStageCreatePayload(encoded)
	if !ok || stageType != "room" || string(payload) != "body" {
		t.Fatalf("stageType=%q payload=%q ok=%v", stageType, payload, ok)
	}
}

func TestCreateStage_DecodesReplyIntoStageCreateResult(t *testing.T) {
	caller, nodeB, rt := newNodePair(t)
	rt.Register(MsgIDCreateStage, func(p wire.RoutePacket, link *APILink) {
		stageType, _, ok := DecodeStageCreatePayload(p.Payload)
		if !ok {
			link.ReplyError(errorcode.InvalidMessage)
			return
		}
		link.Reply(wire.RoutePacket{Payload: []byte("created:" + stageType)})
	})

	link := &APILink{router: caller}
	done := make(chan StageCreateResult, 1)
	link.CreateStage(nodeB, "room", 42, []byte("seed"), time.Second, func(res StageCreateResult, err error) {
		if err != nil {
			t.Errorf("CreateStage err: %v", err)
		}
		done <- res
	})

	select {
	case res := <-done:
		if !res.OK || string(res.Reply) != "created:room" {
			t.Fatalf("res = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}
