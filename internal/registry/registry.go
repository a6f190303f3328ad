// Package registry holds the static node table (C11): node id to transport
// endpoint, a per-service round-robin cursor, and an advisory
// reachable/unreachable hint driven by send outcomes.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/playhouse-go/playhouse/internal/config"
)

// unreachableThreshold is the number of consecutive send failures after
// which a node is marked Unreachable (spec default N=3).
const unreachableThreshold = 3

// NodeID is the pair (serviceId, serverId) identifying a mesh participant.
type NodeID struct {
	ServiceID config.ServiceID
	ServerID  string
}

func (n NodeID) String() string { return fmt.Sprintf("%d:%s", n.ServiceID, n.ServerID) }

type nodeState struct {
	endpoint         string
	consecutiveFails atomic.Int32
}

func (s *nodeState) reachable() bool {
	return s.consecutiveFails.Load() < unreachableThreshold
}

// Registry is the static nodeId -> endpoint table plus per-service
// round-robin selection. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	nodes      map[NodeID]*nodeState
	byService  map[config.ServiceID][]NodeID
	rrCursor   map[config.ServiceID]*atomic.Uint64
}

// New builds a Registry from the static entry list in config.
func New(entries []config.NodeEntry) *Registry {
	r := &Registry{
		nodes:     make(map[NodeID]*nodeState),
		byService: make(map[config.ServiceID][]NodeID),
		rrCursor:  make(map[config.ServiceID]*atomic.Uint64),
	}
	for _, e := range entries {
		id := NodeID{ServiceID: e.ServiceID, ServerID: e.ServerID}
		r.nodes[id] = &nodeState{endpoint: e.Endpoint}
		r.byService[e.ServiceID] = append(r.byService[e.ServiceID], id)
	}
	for svc := range r.byService {
		r.rrCursor[svc] = &atomic.Uint64{}
	}
	return r
}

// Endpoint returns the transport endpoint for id, or "", false if id is not
// in the static table (ServerNotFound at the callsite).
func (r *Registry) Endpoint(id NodeID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.nodes[id]
	if !ok {
		return "", false
	}
	return st.endpoint, true
}

// MarkSendSuccess resets id's failure streak, marking it Reachable.
func (r *Registry) MarkSendSuccess(id NodeID) {
	r.mu.RLock()
	st, ok := r.nodes[id]
	r.mu.RUnlock()
	if ok {
		st.consecutiveFails.Store(0)
	}
}

// MarkSendFailure records a failed send; after unreachableThreshold
// consecutive failures id becomes Unreachable (advisory only).
func (r *Registry) MarkSendFailure(id NodeID) {
	r.mu.RLock()
	st, ok := r.nodes[id]
	r.mu.RUnlock()
	if ok {
		st.consecutiveFails.Add(1)
	}
}

// Reachable reports the advisory liveness hint for id.
func (r *Registry) Reachable(id NodeID) bool {
	r.mu.RLock()
	st, ok := r.nodes[id]
	r.mu.RUnlock()
	return ok && st.reachable()
}

// SelectRoundRobin returns the next reachable node for service, rotating
// the cursor. If no node is reachable it retries from the full set (so a
// mesh with every node currently marked unreachable still makes progress
// once one recovers) rather than failing permanently.
func (r *Registry) SelectRoundRobin(service config.ServiceID) (NodeID, bool) {
	r.mu.RLock()
	ids := r.byService[service]
	cursor := r.rrCursor[service]
	r.mu.RUnlock()
	if len(ids) == 0 {
		return NodeID{}, false
	}

	start := cursor.Add(1) - 1
	// First pass: prefer a reachable node.
	for i := 0; i < len(ids); i++ {
		id := ids[(int(start)+i)%len(ids)]
		if r.Reachable(id) {
			return id, true
		}
	}
	// All unreachable: retry the set anyway (advisory, not authoritative).
	return ids[int(start)%len(ids)], true
}

// SelectFixed returns id if it is present in the static table.
func (r *Registry) SelectFixed(id NodeID) (NodeID, bool) {
	_, ok := r.Endpoint(id)
	if !ok {
		return NodeID{}, false
	}
	return id, true
}
