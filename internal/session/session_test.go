package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/stage"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// fakeConn is an in-memory Conn: inbound packets are fed via a channel,
// outbound writes are recorded.
type fakeConn struct {
	inbound chan wire.Packet
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []wire.Packet
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan wire.Packet, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadPacket() (wire.Packet, error) {
	select {
	case p, ok := <-c.inbound:
		if !ok {
			return wire.Packet{}, errors.New("closed")
		}
		return p, nil
	case <-c.closed:
		return wire.Packet{}, errors.New("closed")
	}
}

func (c *fakeConn) WritePacket(p wire.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, p)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writtenLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func (c *fakeConn) writtenAt(i int) wire.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written[i]
}

// fakeRouter drives JoinActor/Dispatch without a real stage package
// dispatcher goroutine, synchronously for test determinism unless
// asyncJoin is set.
type fakeRouter struct {
	mu            sync.Mutex
	joinResult    stage.JoinResult
	asyncJoin     bool
	dispatchLog   []wire.Packet
	joinCallCount int
}

func (r *fakeRouter) JoinActor(sessionID int64, sess stage.ClientSender, authPacket wire.Packet, result func(stage.JoinResult)) {
	r.mu.Lock()
	r.joinCallCount++
	res := r.joinResult
	r.mu.Unlock()
	if r.asyncJoin {
		go func() {
			time.Sleep(5 * time.Millisecond)
			result(res)
		}()
		return
	}
	result(res)
}

func (r *fakeRouter) Dispatch(accountID string, p wire.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchLog = append(r.dispatchLog, p)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestAuthGate_RejectsNonAuthMessageInOpen(t *testing.T) {
	conn := newFakeConn()
	router := &fakeRouter{}
	e := New(conn, Config{AuthenticateMessageID: "Authenticate"}, router, 1)
	go e.Serve()

	conn.inbound <- wire.Packet{MsgID: "Echo", MsgSeq: 1}

	waitFor(t, func() bool { return conn.writtenLen() > 0 })
	if conn.writtenAt(0).ErrorCode != errorcode.NotAuthenticated {
		t.Errorf("errorCode = %v, want NotAuthenticated", conn.writtenAt(0).ErrorCode)
	}
	waitFor(t, func() bool { return e.State() == Closed })
}

func TestAuthGate_SuccessTransitionsAndFlushesQueued(t *testing.T) {
	conn := newFakeConn()
	actor := &stage.Actor{}
	router := &fakeRouter{
		asyncJoin:  true,
		joinResult: stage.JoinResult{OK: true, Actor: actor},
	}
	e := New(conn, Config{AuthenticateMessageID: "Authenticate"}, router, 1)
	go e.Serve()

	conn.inbound <- wire.Packet{MsgID: "Authenticate", Payload: []byte("u1")}
	waitFor(t, func() bool { return e.State() == Authenticating })

	// Arrives while still Authenticating: must be queued, not dispatched yet.
	conn.inbound <- wire.Packet{MsgID: "Move", MsgSeq: 2}

	waitFor(t, func() bool { return e.State() == Authenticated })

	waitFor(t, func() bool {
		router.mu.Lock()
		defer router.mu.Unlock()
		return len(router.dispatchLog) >= 1
	})

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.dispatchLog) != 1 || router.dispatchLog[0].MsgID != "Move" {
		t.Fatalf("dispatchLog = %+v, want [Move]", router.dispatchLog)
	}
}

func TestDeliverInbound_DispatchesDirectlyOnceAuthenticated(t *testing.T) {
	conn := newFakeConn()
	actor := &stage.Actor{}
	router := &fakeRouter{joinResult: stage.JoinResult{OK: true, Actor: actor}}
	e := New(conn, Config{AuthenticateMessageID: "Authenticate"}, router, 1)
	go e.Serve()

	conn.inbound <- wire.Packet{MsgID: "Authenticate", Payload: []byte("u1")}
	waitFor(t, func() bool { return e.State() == Authenticated })

	conn.inbound <- wire.Packet{MsgID: "Echo", MsgSeq: 5}
	waitFor(t, func() bool {
		router.mu.Lock()
		defer router.mu.Unlock()
		return len(router.dispatchLog) == 1
	})
}

func TestJoinFailure_ClosesSession(t *testing.T) {
	conn := newFakeConn()
	router := &fakeRouter{joinResult: stage.JoinResult{OK: false, ErrCode: errorcode.InvalidAccountID}}
	e := New(conn, Config{AuthenticateMessageID: "Authenticate"}, router, 1)
	go e.Serve()

	conn.inbound <- wire.Packet{MsgID: "Authenticate", Payload: []byte("")}

	waitFor(t, func() bool { return conn.writtenLen() > 0 })
	if conn.writtenAt(0).ErrorCode != errorcode.InvalidAccountID {
		t.Errorf("errorCode = %v, want InvalidAccountId", conn.writtenAt(0).ErrorCode)
	}
	waitFor(t, func() bool { return e.State() == Closed })
}

func TestSendPush_WriteOrderMatchesEnqueueOrder(t *testing.T) {
	conn := newFakeConn()
	actor := &stage.Actor{}
	router := &fakeRouter{joinResult: stage.JoinResult{OK: true, Actor: actor}}
	e := New(conn, Config{AuthenticateMessageID: "Authenticate"}, router, 1)
	go e.Serve()

	conn.inbound <- wire.Packet{MsgID: "Authenticate", Payload: []byte("u1")}
	waitFor(t, func() bool { return e.State() == Authenticated })

	for i := 0; i < 5; i++ {
		if err := e.SendPush(wire.Packet{MsgID: "Push", MsgSeq: uint16(i)}); err != nil {
			t.Fatalf("SendPush(%d): %v", i, err)
		}
	}

	waitFor(t, func() bool { return conn.writtenLen() == 5 })
	for i := 0; i < 5; i++ {
		if conn.writtenAt(i).MsgSeq != uint16(i) {
			t.Errorf("written[%d].MsgSeq = %d, want %d (order not preserved)", i, conn.writtenAt(i).MsgSeq, i)
		}
	}
}

func TestEnqueue_QueueFullClosesSession(t *testing.T) {
	conn := newFakeConn()
	actor := &stage.Actor{}
	router := &fakeRouter{joinResult: stage.JoinResult{OK: true, Actor: actor}}
	e := New(conn, Config{AuthenticateMessageID: "Authenticate", SendQueueSize: 1}, router, 1)
	// Don't start Serve's writePump draining — fill the queue directly to
	// force SendQueueFull without a race against the drainer.
	e.sendCh <- wire.Packet{MsgID: "filler"}

	if err := e.SendPush(wire.Packet{MsgID: "Overflow"}); err != errorcode.SendQueueFull {
		t.Errorf("err = %v, want SendQueueFull", err)
	}
	waitFor(t, func() bool { return e.State() == Closing || e.State() == Closed })
}

func TestHeartbeat_ClosesAfterTwoMissedIntervals(t *testing.T) {
	conn := newFakeConn()
	router := &fakeRouter{joinResult: stage.JoinResult{OK: true, Actor: &stage.Actor{}}}
	e := New(conn, Config{AuthenticateMessageID: "Authenticate", HeartbeatInterval: 10 * time.Millisecond}, router, 1)
	go e.Serve()

	conn.inbound <- wire.Packet{MsgID: "Authenticate", Payload: []byte("u1")}
	waitFor(t, func() bool { return e.State() == Authenticated })

	waitFor(t, func() bool { return e.State() == Closed })
}

func TestHeartbeat_ActivityResetsMissedCount(t *testing.T) {
	conn := newFakeConn()
	router := &fakeRouter{joinResult: stage.JoinResult{OK: true, Actor: &stage.Actor{}}}
	e := New(conn, Config{AuthenticateMessageID: "Authenticate", HeartbeatInterval: 15 * time.Millisecond}, router, 1)
	go e.Serve()

	conn.inbound <- wire.Packet{MsgID: "Authenticate", Payload: []byte("u1")}
	waitFor(t, func() bool { return e.State() == Authenticated })

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.inbound <- wire.Packet{MsgID: "Echo", MsgSeq: 1}
			case <-stop:
				return
			}
		}
	}()
	time.Sleep(80 * time.Millisecond)
	close(stop)

	if e.State() == Closed {
		t.Error("session closed despite continuous activity")
	}
}
