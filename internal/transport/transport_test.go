package transport

import (
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playhouse-go/playhouse/internal/session"
	"github.com/playhouse-go/playhouse/internal/wire"
)

func TestListenTCP_RoundTripsOneFrame(t *testing.T) {
	accepted := make(chan session.Conn, 1)
	ln, err := ListenTCP("127.0.0.1:0", func(c session.Conn, addr string) { accepted <- c })
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := wire.EncodeRequest(client, wire.Packet{MsgID: "Echo", MsgSeq: 3, Payload: []byte("hi")}); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	var conn session.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("connection never accepted")
	}

	p, err := conn.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if p.MsgID != "Echo" || p.MsgSeq != 3 || string(p.Payload) != "hi" {
		t.Fatalf("got %+v", p)
	}

	if err := conn.WritePacket(wire.Packet{MsgID: "Echo", MsgSeq: 3, Payload: []byte("hi")}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	reply, err := wire.DecodeReply(client)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if reply.MsgSeq != 3 || string(reply.Payload) != "hi" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestListenWS_RoundTripsOneFrame(t *testing.T) {
	accepted := make(chan session.Conn, 1)
	handler := NewWSHandler(WSConfig{}, func(c session.Conn, addr string) { accepted <- c })
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var encoded sliceWriter
	if err := wire.EncodeRequest(&encoded, wire.Packet{MsgID: "Echo", MsgSeq: 9, Payload: []byte("yo")}); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if err := client.WriteMessage(websocket.BinaryMessage, encoded.b); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var conn session.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("connection never accepted")
	}

	p, err := conn.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if p.MsgID != "Echo" || p.MsgSeq != 9 || string(p.Payload) != "yo" {
		t.Fatalf("got %+v", p)
	}
}

func TestListenWS_NonBinaryFrameIsRejected(t *testing.T) {
	accepted := make(chan session.Conn, 1)
	handler := NewWSHandler(WSConfig{}, func(c session.Conn, addr string) { accepted <- c })
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte("not binary")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var conn session.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("connection never accepted")
	}

	if _, err := conn.ReadPacket(); err == nil {
		t.Fatal("want error for non-binary WS frame")
	}
}
