// Package wire implements the client packet codec and the inter-node
// RoutePacket codec (C1). Framing is little-endian, length-prefixed, with a
// hard cap on body size.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/playhouse-go/playhouse/internal/errorcode"
)

// MaxBodySize is the hard cap on a client frame body, excluding the 4-byte
// length prefix itself. Defaults to the spec's 2 MiB; a node overrides it at
// bootstrap via SetMaxBodySize from its own config.Node.MaxPacketSize.
var MaxBodySize = 2 << 20 // 2 MiB

// SetMaxBodySize overrides MaxBodySize. Call once at process startup, before
// any connection is served; n <= 0 is ignored.
func SetMaxBodySize(n int) {
	if n > 0 {
		MaxBodySize = n
	}
}

// MaxMsgIDLen is the cap on msgId length in bytes.
const MaxMsgIDLen = 255

// Packet is one client-wire message. It is immutable after construction;
// Payload is owned by the Packet and must not be retained by a handler past
// the call that received it.
type Packet struct {
	MsgID     string
	MsgSeq    uint16 // 0 = push, non-zero = request expecting a matching reply
	StageID   int64
	ErrorCode errorcode.Code // only meaningful on the reply direction
	Payload   []byte
}

// IsPush reports whether the packet carries no expectation of a reply.
func (p Packet) IsPush() bool { return p.MsgSeq == 0 }

// IsReply reports whether p carries a reply-direction errorCode field.
// Encode/Decode always round-trip ErrorCode; callers distinguish request vs
// reply framing by direction (§4.1: reply direction inserts errorCode +
// originalSize after stageId).
type direction int

const (
	// DirRequest is the request/push frame: no errorCode, no originalSize.
	DirRequest direction = iota
	// DirReply is the reply frame: errorCode + originalSize (reserved, must be 0).
	DirReply
)

// FrameError is a fatal framing violation; the session must be closed with
// the carried Code.
type FrameError struct {
	Code errorcode.Code
	Msg  string
}

func (e *FrameError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

func frameErr(code errorcode.Code, format string, args ...any) error {
	return &FrameError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// EncodeRequest writes p in request/push framing:
// [length u32][msgIdLen u8][msgId][msgSeq u16][stageId i64][payload].
func EncodeRequest(w io.Writer, p Packet) error {
	return encode(w, p, DirRequest)
}

// EncodeReply writes p in reply framing:
// [length u32][msgIdLen u8][msgId][msgSeq u16][stageId i64][errorCode u16][originalSize u32][payload].
func EncodeReply(w io.Writer, p Packet) error {
	return encode(w, p, DirReply)
}

func encode(w io.Writer, p Packet, dir direction) error {
	if len(p.MsgID) > MaxMsgIDLen {
		return frameErr(errorcode.InvalidMessage, "msgId length %d exceeds %d", len(p.MsgID), MaxMsgIDLen)
	}
	if !utf8.ValidString(p.MsgID) {
		return frameErr(errorcode.InvalidUtf8MsgID, "msgId is not valid UTF-8")
	}

	body := make([]byte, 0, 1+len(p.MsgID)+2+8+8+len(p.Payload))
	body = append(body, byte(len(p.MsgID)))
	body = append(body, p.MsgID...)
	body = binary.LittleEndian.AppendUint16(body, p.MsgSeq)
	body = binary.LittleEndian.AppendUint64(body, uint64(p.StageID))
	if dir == DirReply {
		body = binary.LittleEndian.AppendUint16(body, uint16(p.ErrorCode))
		body = binary.LittleEndian.AppendUint32(body, 0) // originalSize: uncompressed
	}
	body = append(body, p.Payload...)

	if len(body) > MaxBodySize {
		return frameErr(errorcode.OversizedFrame, "frame body %d exceeds %d", len(body), MaxBodySize)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// DecodeRequest reads one request/push frame from r.
func DecodeRequest(r io.Reader) (Packet, error) {
	return decode(r, DirRequest)
}

// DecodeReply reads one reply frame from r.
func DecodeReply(r io.Reader) (Packet, error) {
	return decode(r, DirReply)
}

func decode(r io.Reader, dir direction) (Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Packet{}, err
		}
		return Packet{}, frameErr(errorcode.TruncatedFrame, "reading length prefix: %v", err)
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen > uint32(MaxBodySize) {
		return Packet{}, frameErr(errorcode.OversizedFrame, "declared length %d exceeds %d", bodyLen, MaxBodySize)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Packet{}, frameErr(errorcode.TruncatedFrame, "reading frame body: %v", err)
	}

	return decodeBody(body, dir)
}

func decodeBody(body []byte, dir direction) (Packet, error) {
	if len(body) < 1 {
		return Packet{}, frameErr(errorcode.TruncatedFrame, "missing msgIdLen")
	}
	msgIDLen := int(body[0])
	off := 1
	if len(body) < off+msgIDLen {
		return Packet{}, frameErr(errorcode.TruncatedFrame, "msgId truncated")
	}
	msgID := string(body[off : off+msgIDLen])
	if !utf8.ValidString(msgID) {
		return Packet{}, frameErr(errorcode.InvalidUtf8MsgID, "msgId is not valid UTF-8")
	}
	off += msgIDLen

	if len(body) < off+2+8 {
		return Packet{}, frameErr(errorcode.TruncatedFrame, "header truncated")
	}
	msgSeq := binary.LittleEndian.Uint16(body[off : off+2])
	off += 2
	stageID := int64(binary.LittleEndian.Uint64(body[off : off+8]))
	off += 8

	var errCode errorcode.Code
	if dir == DirReply {
		if len(body) < off+2+4 {
			return Packet{}, frameErr(errorcode.TruncatedFrame, "reply header truncated")
		}
		errCode = errorcode.Code(binary.LittleEndian.Uint16(body[off : off+2]))
		off += 2
		originalSize := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		if originalSize != 0 {
			return Packet{}, frameErr(errorcode.ReservedCompressionFlag, "originalSize=%d, compression unsupported", originalSize)
		}
	}

	payload := body[off:]

	return Packet{
		MsgID:     msgID,
		MsgSeq:    msgSeq,
		StageID:   stageID,
		ErrorCode: errCode,
		Payload:   payload,
	}, nil
}
