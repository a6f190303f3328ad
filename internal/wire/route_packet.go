package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/playhouse-go/playhouse/internal/errorcode"
)

// RoutePacket is the inter-node envelope (§3). The header is encoded as a
// sequence of tagged fields so new optional fields can be added later
// without breaking older readers: unknown tags are skipped.
type RoutePacket struct {
	From          NodeID
	MsgSeq        uint16
	ServiceID     uint8 // 1 = Play, 2 = API
	MsgID         string
	ErrorCode     errorcode.Code
	StageID       int64
	AccountID     string
	SessionNodeID NodeID // zero value if unset
	SessionID     int64  // 0 if unset
	Payload       []byte
}

// NodeID is the pair (serviceId, serverId) identifying a mesh participant.
type NodeID struct {
	ServiceID uint8
	ServerID  string
}

func (n NodeID) String() string { return fmt.Sprintf("%d:%s", n.ServiceID, n.ServerID) }

func (n NodeID) isZero() bool { return n.ServiceID == 0 && n.ServerID == "" }

// header tag numbers. New optional fields append new tags; never reuse a
// retired tag number.
const (
	tagFromService    = 1
	tagFromServer     = 2
	tagMsgSeq         = 3
	tagServiceID      = 4
	tagMsgID          = 5
	tagErrorCode      = 6
	tagStageID        = 7
	tagAccountID      = 8
	tagSessionService = 9
	tagSessionServer  = 10
	tagSessionID      = 11
)

func appendTag(buf []byte, tag uint8, value []byte) []byte {
	buf = append(buf, tag)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func appendStringTag(buf []byte, tag uint8, s string) []byte {
	return appendTag(buf, tag, []byte(s))
}

func appendUint8Tag(buf []byte, tag uint8, v uint8) []byte {
	return appendTag(buf, tag, []byte{v})
}

func appendUint16Tag(buf []byte, tag uint8, v uint16) []byte {
	return appendTag(buf, tag, binary.LittleEndian.AppendUint16(nil, v))
}

func appendInt64Tag(buf []byte, tag uint8, v int64) []byte {
	return appendTag(buf, tag, binary.LittleEndian.AppendUint64(nil, uint64(v)))
}

// EncodeRouteHeader serializes just p's header segment as a flat run of
// tagged fields, without the payload or any outer length prefix. Used by
// transports (mesh) that already carry header and payload as separate
// segments.
func EncodeRouteHeader(p RoutePacket) []byte {
	var h []byte
	h = appendUint8Tag(h, tagFromService, p.From.ServiceID)
	h = appendStringTag(h, tagFromServer, p.From.ServerID)
	h = appendUint16Tag(h, tagMsgSeq, p.MsgSeq)
	h = appendUint8Tag(h, tagServiceID, p.ServiceID)
	h = appendStringTag(h, tagMsgID, p.MsgID)
	h = appendUint16Tag(h, tagErrorCode, uint16(p.ErrorCode))
	h = appendInt64Tag(h, tagStageID, p.StageID)
	if p.AccountID != "" {
		h = appendStringTag(h, tagAccountID, p.AccountID)
	}
	if !p.SessionNodeID.isZero() {
		h = appendUint8Tag(h, tagSessionService, p.SessionNodeID.ServiceID)
		h = appendStringTag(h, tagSessionServer, p.SessionNodeID.ServerID)
	}
	if p.SessionID != 0 {
		h = appendInt64Tag(h, tagSessionID, p.SessionID)
	}
	return h
}

// EncodeRoutePacket serializes p into a three-segment on-wire unit:
// [headerLen u32][header][payload]. Used when header and payload must
// travel over a single byte stream rather than as separate transport
// segments.
func EncodeRoutePacket(w io.Writer, p RoutePacket) error {
	h := EncodeRouteHeader(p)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(h)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing route header length: %w", err)
	}
	if _, err := w.Write(h); err != nil {
		return fmt.Errorf("writing route header: %w", err)
	}
	if _, err := w.Write(p.Payload); err != nil {
		return fmt.Errorf("writing route payload: %w", err)
	}
	return nil
}

// DecodeRoutePacket reads a header of headerLen bytes and the remaining
// payload (payloadLen bytes, already known to the caller from the outer
// transport framing — see mesh.Frame).
func DecodeRoutePacket(header, payload []byte) (RoutePacket, error) {
	var p RoutePacket
	p.Payload = payload

	off := 0
	for off < len(header) {
		if off+5 > len(header) {
			return RoutePacket{}, frameErr(errorcode.TruncatedFrame, "route header tag truncated")
		}
		tag := header[off]
		length := int(binary.LittleEndian.Uint32(header[off+1 : off+5]))
		off += 5
		if off+length > len(header) {
			return RoutePacket{}, frameErr(errorcode.TruncatedFrame, "route header value truncated")
		}
		value := header[off : off+length]
		off += length

		switch tag {
		case tagFromService:
			if len(value) >= 1 {
				p.From.ServiceID = value[0]
			}
		case tagFromServer:
			p.From.ServerID = string(value)
		case tagMsgSeq:
			if len(value) >= 2 {
				p.MsgSeq = binary.LittleEndian.Uint16(value)
			}
		case tagServiceID:
			if len(value) >= 1 {
				p.ServiceID = value[0]
			}
		case tagMsgID:
			p.MsgID = string(value)
		case tagErrorCode:
			if len(value) >= 2 {
				p.ErrorCode = errorcode.Code(binary.LittleEndian.Uint16(value))
			}
		case tagStageID:
			if len(value) >= 8 {
				p.StageID = int64(binary.LittleEndian.Uint64(value))
			}
		case tagAccountID:
			p.AccountID = string(value)
		case tagSessionService:
			if len(value) >= 1 {
				p.SessionNodeID.ServiceID = value[0]
			}
		case tagSessionServer:
			p.SessionNodeID.ServerID = string(value)
		case tagSessionID:
			if len(value) >= 8 {
				p.SessionID = int64(binary.LittleEndian.Uint64(value))
			}
		default:
			// Unknown tag from a newer writer: skip, forward-compatible.
		}
	}

	return p, nil
}
