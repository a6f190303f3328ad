package stage

import (
	"encoding/binary"

	"github.com/playhouse-go/playhouse/internal/wire"
)

// Built-in control messages, intercepted ahead of Handler.OnDispatch and
// never visible to application code. Mirrors the teacher's admin command
// handler (internal/gameserver/admin), which intercepts // commands before
// they reach ordinary gameplay dispatch — here the interception point is
// dispatchOne rather than a chat-text prefix, since msgId is already the
// framework's dispatch key.
const (
	// AdminCloseStageMsgID requests a graceful close of the stage it's sent
	// to (§4.6's CloseStage sequence). Carries no payload.
	AdminCloseStageMsgID = "__admin.CloseStage"

	// AdminMailboxDepthMsgID probes the stage's current mailbox depth. Only
	// meaningful as a request (msgSeq != 0): the reply payload is a 4-byte
	// little-endian uint32 item count.
	AdminMailboxDepthMsgID = "__admin.MailboxDepth"
)

// handleAdminMessage intercepts p if it names a built-in control message.
// handled reports whether p was consumed this way; reply, if non-nil, is
// owed back to the sender when p was a request.
func (s *Stage) handleAdminMessage(p wire.Packet) (reply *wire.Packet, handled bool) {
	switch p.MsgID {
	case AdminCloseStageMsgID:
		s.CloseStage()
		if p.MsgSeq == 0 {
			return nil, true
		}
		return &wire.Packet{MsgID: p.MsgID, StageID: p.StageID}, true

	case AdminMailboxDepthMsgID:
		if p.MsgSeq == 0 {
			return nil, true
		}
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, uint32(s.MailboxDepth()))
		return &wire.Packet{MsgID: p.MsgID, StageID: p.StageID, Payload: payload}, true

	default:
		return nil, false
	}
}
