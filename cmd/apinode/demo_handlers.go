package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/playhouse-go/playhouse/internal/apiruntime"
	"github.com/playhouse-go/playhouse/internal/config"
	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/registry"
	"github.com/playhouse-go/playhouse/internal/store"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// registerDemoHandlers wires up the two handlers a freshly bootstrapped API
// node answers out of the box: a liveness check, and a stage-creation
// proxy that demonstrates the CreateStage RPC against the configured
// default Play node. audit is nil unless the node was configured with a
// database, in which case every CreateRoom call is logged.
func registerDemoHandlers(rt *apiruntime.Runtime, reg *registry.Registry, defaultStageType string, audit *store.Store) {
	rt.Register("Ping", func(p wire.RoutePacket, link *apiruntime.APILink) {
		if err := link.Reply(wire.RoutePacket{Payload: []byte("pong")}); err != nil {
			slog.Warn("replying to Ping", "error", err)
		}
	})

	rt.Register("CreateRoom", func(p wire.RoutePacket, link *apiruntime.APILink) {
		playNode, ok := reg.SelectRoundRobin(config.ServicePlay)
		if !ok {
			link.ReplyError(errorcode.ServerNotFound)
			return
		}
		link.CreateStage(playNode, defaultStageType, p.StageID, p.Payload, 5*time.Second, func(res apiruntime.StageCreateResult, err error) {
			if err != nil {
				if code, ok := err.(errorcode.Code); ok {
					link.ReplyError(code)
					return
				}
				link.ReplyError(errorcode.RequestTimeout)
				return
			}
			if audit != nil {
				if err := audit.RecordSessionEvent(context.Background(), string(p.Payload), "create_room", p.StageID); err != nil {
					slog.Warn("audit log write failed", "event", "create_room", "error", err)
				}
			}
			link.Reply(wire.RoutePacket{ErrorCode: res.ErrCode, Payload: res.Reply})
		})
	})
}
