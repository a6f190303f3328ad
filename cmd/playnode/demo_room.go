package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/playhouse-go/playhouse/internal/contract"
	"github.com/playhouse-go/playhouse/internal/registry"
	"github.com/playhouse-go/playhouse/internal/stage"
	"github.com/playhouse-go/playhouse/internal/store"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// roomHandler is the stageType registered by default on a freshly bootstrapped
// Play node: it accepts any non-empty account id and echoes every packet
// back to its sender, so a new deployment has something to smoke-test
// against before application code registers its own stage types. audit is
// nil unless the node was configured with a database, in which case join
// and leave events are appended to the audit log. Like any application
// handler, it only ever touches the actor/packet facades from
// internal/contract, never internal/stage's executor types directly.
type roomHandler struct {
	stageID  int64
	audit    *store.Store
	reg      *registry.Registry
	link     *contract.StageLink
	gameTick int64
}

// gameLoopTimestep drives the demo room's fixed-timestep loop. It must fall
// within the node's configured game_loop_timestep_min_ms/max_ms or
// StartGameLoop rejects it with ArgumentOutOfRange.
const gameLoopTimestep = 50 * time.Millisecond

// AttachStage implements stage.StageAware: it runs once, right after the
// owning Stage is constructed, and builds the StageLink this handler uses
// for everything else (timers, game loop, outbound traffic).
func (h *roomHandler) AttachStage(s *stage.Stage) {
	h.link = contract.NewStageLink(s, h.reg)
	h.link.AddRepeatTimer(time.Minute, time.Minute, func() {
		slog.Info("room heartbeat", "stageId", h.link.StageID(), "stageType", h.link.StageType(), "gameTick", h.gameTick)
	})
	if err := h.link.StartGameLoop(gameLoopTimestep, func(deltaMs, totalElapsedMs int64) {
		h.gameTick++
	}); err != nil {
		slog.Warn("room game loop not started", "stageId", h.stageID, "error", err)
	}
}

func (h *roomHandler) OnCreate(create wire.Packet) (bool, *wire.Packet) {
	view := contract.NewPacketView(create)
	h.stageID = view.StageID()
	return true, nil
}

func (h *roomHandler) OnPostCreate() {
	slog.Info("room created", "stageId", h.stageID)
}

func (h *roomHandler) OnAuthenticate(actor *stage.Actor, auth wire.Packet) (bool, *wire.Packet) {
	view := contract.NewPacketView(auth)
	payload, err := view.Payload()
	if err != nil || len(payload) == 0 {
		return false, nil
	}
	contract.NewActorLink(actor).SetAccountID(string(payload))
	return true, nil
}

func (h *roomHandler) OnPostAuthenticate(actor *stage.Actor) {}

func (h *roomHandler) OnJoinStage(actor *stage.Actor) bool { return true }

func (h *roomHandler) OnPostJoinStage(actor *stage.Actor) {
	al := contract.NewActorLink(actor)
	slog.Info("actor joined", "stageId", h.stageID, "accountId", al.AccountID())
	h.recordAudit(al.AccountID(), "joined")
}

func (h *roomHandler) OnDispatch(actor *stage.Actor, p wire.Packet) (*wire.Packet, error) {
	view := contract.NewPacketView(p)
	payload, err := view.Payload()
	if err != nil {
		return nil, err
	}
	return &wire.Packet{MsgID: view.MsgID(), MsgSeq: view.MsgSeq(), StageID: view.StageID(), Payload: payload}, nil
}

func (h *roomHandler) OnConnectionChanged(actor *stage.Actor, connected bool) {}

func (h *roomHandler) OnLeaveRoom(actor *stage.Actor, reason stage.LeaveReason) {
	al := contract.NewActorLink(actor)
	slog.Info("actor left", "stageId", h.stageID, "accountId", al.AccountID(), "reason", reason)
	h.recordAudit(al.AccountID(), "left")
}

func (h *roomHandler) recordAudit(accountID, event string) {
	if h.audit == nil {
		return
	}
	if err := h.audit.RecordSessionEvent(context.Background(), accountID, event, h.stageID); err != nil {
		slog.Warn("audit log write failed", "stageId", h.stageID, "event", event, "error", err)
	}
}

func (h *roomHandler) OnDestroyActor(actor *stage.Actor) {}

func (h *roomHandler) OnDestroy() {
	slog.Info("room destroyed", "stageId", h.stageID)
}

// newRoomHandlerFactory builds the stage.Factory registered for the default
// stage type, closing over the node's optional audit store and its node
// registry (for the StageLink's RequestToAPIService facade).
func newRoomHandlerFactory(audit *store.Store, reg *registry.Registry) stage.Factory {
	return func(stageType string, stageID int64) stage.Handler {
		return &roomHandler{stageID: stageID, audit: audit, reg: reg}
	}
}
