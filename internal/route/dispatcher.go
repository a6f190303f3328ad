// Package route implements the per-node route dispatcher (C5): outbound
// request/reply correlation with timeouts, and inbound classification
// between reply-matching and new work for the stage or API layer.
package route

import (
	"sync"
	"time"

	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/mesh"
	"github.com/playhouse-go/playhouse/internal/registry"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// Sender is the subset of mesh.Transport the dispatcher needs to enqueue
// outbound frames. Satisfied by *mesh.Transport; narrowed here for testing.
type Sender interface {
	Send(target registry.NodeID, header, payload []byte) error
}

// Inbound classifies a RoutePacket that did not match a pending request:
// it is new work for the Play stage dispatcher or the API handler runtime,
// selected by ServiceID.
type Inbound func(from registry.NodeID, p wire.RoutePacket)

// Future is the handle an outbound request returns to the caller.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result wire.RoutePacket
	err    error
	cancel func()
}

// Await blocks until the future resolves (reply, timeout, or cancellation).
func (f *Future) Await() (wire.RoutePacket, error) {
	<-f.done
	return f.result, f.err
}

// Done reports whether the future has resolved, without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) resolve(p wire.RoutePacket, err error) {
	f.once.Do(func() {
		f.result, f.err = p, err
		close(f.done)
	})
}

// Cancel removes any pending-table entry backing this future and resolves
// it with StageClosed if it had not already resolved. Safe to call on an
// already-resolved future (no-op).
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
	f.resolve(wire.RoutePacket{}, errorcode.StageClosed)
}

type pending struct {
	future *Future
	timer  *time.Timer
}

// Dispatcher owns the pending-request table for one node and forwards
// unmatched inbound packets to Inbound.
type Dispatcher struct {
	self    registry.NodeID
	sender  Sender
	inbound Inbound

	mu      sync.Mutex
	table   map[uint16]*pending
	nextSeq uint16
}

// New creates a Dispatcher for the local node self.
func New(self registry.NodeID, sender Sender, inbound Inbound) *Dispatcher {
	return &Dispatcher{
		self:    self,
		sender:  sender,
		inbound: inbound,
		table:   make(map[uint16]*pending),
		nextSeq: 1,
	}
}

// PendingCount returns the number of outbound requests currently awaiting
// a reply or timeout, for metrics reporting.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.table)
}

// SendRequest allocates a free msgSeq, registers a pending entry with
// timeout, and enqueues the frame via the mesh transport. If the transport
// reports SendQueueFull the future fails immediately.
func (d *Dispatcher) SendRequest(target registry.NodeID, p wire.RoutePacket, timeout time.Duration) *Future {
	f := &Future{done: make(chan struct{})}

	seq, ok := d.allocateSeq()
	if !ok {
		f.resolve(wire.RoutePacket{}, errorcode.SystemError)
		return f
	}
	p.From = wireNodeID(d.self)
	p.MsgSeq = seq
	f.cancel = func() { d.CancelRequest(seq) }

	timer := time.AfterFunc(timeout, func() { d.timeoutSeq(seq) })

	d.mu.Lock()
	d.table[seq] = &pending{future: f, timer: timer}
	d.mu.Unlock()

	if err := d.encodeAndSend(target, p); err != nil {
		d.mu.Lock()
		delete(d.table, seq)
		d.mu.Unlock()
		timer.Stop()
		f.resolve(wire.RoutePacket{}, err)
	}

	return f
}

// Send enqueues a fire-and-forget packet (msgSeq=0, no tracking).
func (d *Dispatcher) Send(target registry.NodeID, p wire.RoutePacket) error {
	p.From = wireNodeID(d.self)
	p.MsgSeq = 0
	return d.encodeAndSend(target, p)
}

// Reply sends p back to target preserving p.MsgSeq, so the original caller's
// pending entry resolves. Used by the stage dispatcher and API runtime to
// answer a request received via Inbound.
func (d *Dispatcher) Reply(target registry.NodeID, p wire.RoutePacket) error {
	p.From = wireNodeID(d.self)
	return d.encodeAndSend(target, p)
}

func (d *Dispatcher) encodeAndSend(target registry.NodeID, p wire.RoutePacket) error {
	header, payload := encodeFrame(p)
	return d.sender.Send(target, header, payload)
}

// allocateSeq picks the next free uint16, skipping any currently in use,
// rotating at the boundary. Returns false if the table is fully occupied
// (practically unreachable: 65535 concurrent pending requests).
func (d *Dispatcher) allocateSeq() (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < 1<<16; i++ {
		d.nextSeq++
		if d.nextSeq == 0 {
			d.nextSeq = 1
		}
		if _, busy := d.table[d.nextSeq]; !busy {
			return d.nextSeq, true
		}
	}
	return 0, false
}

// timeoutSeq resolves the pending future with RequestTimeout and removes
// the entry. A reply arriving afterward finds no entry and is dropped.
func (d *Dispatcher) timeoutSeq(seq uint16) {
	d.mu.Lock()
	p, ok := d.table[seq]
	if ok {
		delete(d.table, seq)
	}
	d.mu.Unlock()
	if ok {
		p.future.resolve(wire.RoutePacket{}, errorcode.RequestTimeout)
	}
}

// CancelRequest removes seq's pending entry (if any) and discards any later
// reply, without resolving the future (the caller already gave up on it).
func (d *Dispatcher) CancelRequest(seq uint16) {
	d.mu.Lock()
	p, ok := d.table[seq]
	if ok {
		delete(d.table, seq)
	}
	d.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// CancelAll resolves every pending future with err (used when a stage
// closes: §5 Cancellation — futures awaiting replies fail with StageClosed).
// Only entries whose seq matches the provided predicate are cancelled; pass
// a predicate that always returns true to cancel everything.
func (d *Dispatcher) CancelAll(err error, match func(seq uint16) bool) {
	d.mu.Lock()
	var toResolve []*pending
	for seq, p := range d.table {
		if match(seq) {
			toResolve = append(toResolve, p)
			delete(d.table, seq)
		}
	}
	d.mu.Unlock()
	for _, p := range toResolve {
		p.timer.Stop()
		p.future.resolve(wire.RoutePacket{}, err)
	}
}

// HandleFrame is the mesh.ReceiveFunc wired to the transport: it decodes
// the frame and classifies it per §4.5 — errorCode!=0 or a known msgSeq
// resolves a pending future, otherwise it is new work dispatched to Inbound.
func (d *Dispatcher) HandleFrame(from registry.NodeID, f mesh.Frame) {
	p, err := wire.DecodeRoutePacket(f.Header, f.Payload)
	if err != nil {
		return
	}

	if p.MsgSeq != 0 {
		d.mu.Lock()
		pend, ok := d.table[p.MsgSeq]
		if ok {
			delete(d.table, p.MsgSeq)
		}
		d.mu.Unlock()
		if ok {
			pend.timer.Stop()
			pend.future.resolve(p, nil)
			return
		}
		if p.ErrorCode != 0 {
			// Reply to an already-timed-out or unknown request: RouteCorrelationMissing, dropped.
			return
		}
	}

	d.inbound(from, p)
}

func encodeFrame(p wire.RoutePacket) (header, payload []byte) {
	return wire.EncodeRouteHeader(p), p.Payload
}

func wireNodeID(id registry.NodeID) wire.NodeID {
	return wire.NodeID{ServiceID: uint8(id.ServiceID), ServerID: id.ServerID}
}
