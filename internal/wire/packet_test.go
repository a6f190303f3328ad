package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/playhouse-go/playhouse/internal/errorcode"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []Packet{
		{MsgID: "Echo", MsgSeq: 7, StageID: 42, Payload: []byte("hi")},
		{MsgID: "", MsgSeq: 0, StageID: 0, Payload: nil},
		{MsgID: "Broadcast", MsgSeq: 0, StageID: 1, Payload: []byte("x")},
	}

	for _, p := range cases {
		var buf bytes.Buffer
		if err := EncodeRequest(&buf, p); err != nil {
			t.Fatalf("EncodeRequest(%+v) error = %v", p, err)
		}
		got, err := DecodeRequest(&buf)
		if err != nil {
			t.Fatalf("DecodeRequest error = %v", err)
		}
		if got.MsgID != p.MsgID || got.MsgSeq != p.MsgSeq || got.StageID != p.StageID || !bytes.Equal(got.Payload, p.Payload) {
			t.Errorf("round trip = %+v, want %+v", got, p)
		}
	}
}

func TestReplyRoundTrip(t *testing.T) {
	p := Packet{MsgID: "Echo", MsgSeq: 7, StageID: 42, ErrorCode: errorcode.Success, Payload: []byte("hi")}
	var buf bytes.Buffer
	if err := EncodeReply(&buf, p); err != nil {
		t.Fatalf("EncodeReply error = %v", err)
	}
	got, err := DecodeReply(&buf)
	if err != nil {
		t.Fatalf("DecodeReply error = %v", err)
	}
	if got != p {
		// Payload slices compare by header only via != here since both are []byte(identical backing not required)
		if got.MsgID != p.MsgID || got.ErrorCode != p.ErrorCode || !bytes.Equal(got.Payload, p.Payload) {
			t.Errorf("reply round trip = %+v, want %+v", got, p)
		}
	}
}

func TestMsgSeqZero_IsPush(t *testing.T) {
	p := Packet{MsgID: "Notify", MsgSeq: 0}
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, p); err != nil {
		t.Fatal(err)
	}
	got, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsPush() {
		t.Error("IsPush() = false, want true for msgSeq=0")
	}
}

func TestOversizedFrame(t *testing.T) {
	p := Packet{MsgID: "Big", Payload: make([]byte, MaxBodySize+1)}
	var buf bytes.Buffer
	err := EncodeRequest(&buf, p)
	if err == nil {
		t.Fatal("EncodeRequest with oversized payload: want error, got nil")
	}
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Code != errorcode.OversizedFrame {
		t.Errorf("error = %v, want OversizedFrame", err)
	}
}

func TestOversizedFrame_ExactBoundary(t *testing.T) {
	// Body exactly MaxBodySize (accounting for header overhead) must be accepted.
	headerOverhead := 1 + len("Big") + 2 + 8
	p := Packet{MsgID: "Big", Payload: make([]byte, MaxBodySize-headerOverhead)}
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, p); err != nil {
		t.Fatalf("EncodeRequest at exact boundary: error = %v", err)
	}
}

func TestInvalidUtf8MsgID(t *testing.T) {
	p := Packet{MsgID: string([]byte{0xff, 0xfe}), Payload: nil}
	var buf bytes.Buffer
	err := EncodeRequest(&buf, p)
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Code != errorcode.InvalidUtf8MsgID {
		t.Errorf("error = %v, want InvalidUtf8MsgId", err)
	}
}

func TestReservedCompressionFlagSet(t *testing.T) {
	// Hand-craft a reply frame with originalSize != 0.
	p := Packet{MsgID: "Echo", MsgSeq: 1, StageID: 0, ErrorCode: errorcode.Success}
	var buf bytes.Buffer
	if err := EncodeReply(&buf, p); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	// originalSize is the last 4 bytes before the (empty) payload.
	n := len(raw)
	raw[n-4] = 1 // set a nonzero originalSize byte

	_, err := DecodeReply(bytes.NewReader(raw))
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Code != errorcode.ReservedCompressionFlag {
		t.Errorf("error = %v, want ReservedCompressionFlagSet", err)
	}
}

func TestMsgIDLenZero_Accepted(t *testing.T) {
	p := Packet{MsgID: "", MsgSeq: 3, StageID: 0, Payload: []byte("y")}
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, p); err != nil {
		t.Fatal(err)
	}
	got, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.MsgID != "" {
		t.Errorf("MsgID = %q, want empty", got.MsgID)
	}
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, Packet{MsgID: "Echo", Payload: []byte("hi")}); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	_, err := DecodeRequest(truncated)
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Code != errorcode.TruncatedFrame {
		t.Errorf("error = %v, want TruncatedFrame", err)
	}
}

func TestMsgIDTooLong(t *testing.T) {
	p := Packet{MsgID: strings.Repeat("a", MaxMsgIDLen+1)}
	var buf bytes.Buffer
	err := EncodeRequest(&buf, p)
	if err == nil {
		t.Fatal("want error for msgId too long")
	}
}

func TestRoutePacketRoundTrip(t *testing.T) {
	p := RoutePacket{
		From:          NodeID{ServiceID: 1, ServerID: "play-1"},
		MsgSeq:        5,
		ServiceID:     1,
		MsgID:         "RequestToStage",
		ErrorCode:     errorcode.Success,
		StageID:       100,
		AccountID:     "u1",
		SessionNodeID: NodeID{ServiceID: 2, ServerID: "edge-1"},
		SessionID:     7,
		Payload:       []byte("payload"),
	}

	var buf bytes.Buffer
	if err := EncodeRoutePacket(&buf, p); err != nil {
		t.Fatalf("EncodeRoutePacket error = %v", err)
	}

	// Outer framing: [headerLen u32][header][payload] -- unpack as the mesh would.
	raw := buf.Bytes()
	headerLen := int(raw[0]) | int(raw[1])<<8 | int(raw[2])<<16 | int(raw[3])<<24
	header := raw[4 : 4+headerLen]
	payload := raw[4+headerLen:]

	got, err := DecodeRoutePacket(header, payload)
	if err != nil {
		t.Fatalf("DecodeRoutePacket error = %v", err)
	}

	if got.From != p.From || got.MsgSeq != p.MsgSeq || got.ServiceID != p.ServiceID ||
		got.MsgID != p.MsgID || got.ErrorCode != p.ErrorCode || got.StageID != p.StageID ||
		got.AccountID != p.AccountID || got.SessionNodeID != p.SessionNodeID || got.SessionID != p.SessionID ||
		!bytes.Equal(got.Payload, p.Payload) {
		t.Errorf("round trip = %+v, want %+v", got, p)
	}
}

func TestRoutePacketRoundTrip_OptionalFieldsOmitted(t *testing.T) {
	p := RoutePacket{
		From:      NodeID{ServiceID: 2, ServerID: "api-1"},
		MsgSeq:    0,
		ServiceID: 2,
		MsgID:     "Push",
		StageID:   0,
		Payload:   []byte("x"),
	}
	var buf bytes.Buffer
	if err := EncodeRoutePacket(&buf, p); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	headerLen := int(raw[0]) | int(raw[1])<<8 | int(raw[2])<<16 | int(raw[3])<<24
	header := raw[4 : 4+headerLen]
	payload := raw[4+headerLen:]

	got, err := DecodeRoutePacket(header, payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccountID != "" || !got.SessionNodeID.isZero() || got.SessionID != 0 {
		t.Errorf("optional fields leaked defaults: %+v", got)
	}
}

func TestRoutePacketForwardCompatible_UnknownTagSkipped(t *testing.T) {
	p := RoutePacket{From: NodeID{ServiceID: 1, ServerID: "play-1"}, MsgID: "X", Payload: []byte("p")}
	var buf bytes.Buffer
	if err := EncodeRoutePacket(&buf, p); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	headerLen := int(raw[0]) | int(raw[1])<<8 | int(raw[2])<<16 | int(raw[3])<<24
	header := raw[4 : 4+headerLen]
	payload := raw[4+headerLen:]

	// Append an unknown tag (99) with some bytes: a future writer's new field.
	extended := append(append([]byte{}, header...), 99, 3, 0, 0, 0, 'x', 'y', 'z')

	got, err := DecodeRoutePacket(extended, payload)
	if err != nil {
		t.Fatalf("unexpected error on unknown tag: %v", err)
	}
	if got.MsgID != "X" {
		t.Errorf("MsgID = %q, want X (unknown tag must not corrupt known fields)", got.MsgID)
	}
}
