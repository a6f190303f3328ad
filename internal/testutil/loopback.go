// Package testutil provides in-process test doubles shared across package
// test suites, so stage/route/apiruntime integration tests can exercise a
// multi-node flow without real sockets.
package testutil

import (
	"fmt"
	"sync"

	"github.com/playhouse-go/playhouse/internal/mesh"
	"github.com/playhouse-go/playhouse/internal/registry"
)

// LoopbackMesh is an in-memory stand-in for internal/mesh.Transport: every
// Send call is delivered synchronously, on the caller's goroutine, to the
// target's registered receive function. It satisfies internal/route.Sender.
type LoopbackMesh struct {
	self  registry.NodeID
	peers *sync.Map // registry.NodeID -> mesh.ReceiveFunc
}

// NewLoopbackNetwork builds a shared peer table and returns a constructor
// for one node's endpoint into it. Every node in a test should come from
// the same network so they can reach each other:
//
//	net := testutil.NewLoopbackNetwork()
//	a := net.Join(nodeA, aInbound)
//	b := net.Join(nodeB, bInbound)
type LoopbackNetwork struct {
	peers sync.Map
}

// NewLoopbackNetwork constructs an empty shared network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{}
}

// Join registers id's receive function on the network and returns its
// *LoopbackMesh endpoint, usable anywhere a route.Sender is expected.
func (n *LoopbackNetwork) Join(id registry.NodeID, onFrame mesh.ReceiveFunc) *LoopbackMesh {
	n.peers.Store(id, onFrame)
	return &LoopbackMesh{self: id, peers: &n.peers}
}

// Send implements route.Sender: looks up target's receive function and
// invokes it inline with a Frame built from header/payload.
func (l *LoopbackMesh) Send(target registry.NodeID, header, payload []byte) error {
	v, ok := l.peers.Load(target)
	if !ok {
		return fmt.Errorf("testutil: no peer joined for %s", target)
	}
	onFrame := v.(mesh.ReceiveFunc)
	onFrame(l.self, mesh.Frame{Target: target, Header: header, Payload: payload})
	return nil
}
