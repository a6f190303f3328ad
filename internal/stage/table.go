package stage

import (
	"sync"
	"time"

	"github.com/playhouse-go/playhouse/internal/async"
	"github.com/playhouse-go/playhouse/internal/errorcode"
	"github.com/playhouse-go/playhouse/internal/metrics"
	"github.com/playhouse-go/playhouse/internal/registry"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/timer"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// Factory builds application Handler state for a newly created stage of
// the given type. Registered per stageType by the node bootstrap.
type Factory func(stageType string, stageID int64) Handler

// Table is the per-node registry of live stages, keyed by stageId, with a
// stageType → Factory table for on-demand creation. Mirrors the teacher's
// GameServerTable: one mutex-guarded map, register/lookup/remove.
type Table struct {
	offload        *async.Offloader
	router         *route.Dispatcher
	self           registry.NodeID
	pausedWindow   time.Duration
	gameLoopLimits timer.Limits
	metrics        *metrics.Registry

	mu        sync.Mutex
	factories map[string]Factory
	stages    map[int64]*Stage
}

// NewTable constructs an empty stage table. offload and router are shared
// by every stage this table creates. gameLoopLimits bounds every stage's
// game loop (zero value selects the timer package's defaults). m, if
// non-nil, is attached to every stage created so dispatch counters and
// mailbox depth can be recorded; pass nil to run without metrics.
func NewTable(offload *async.Offloader, router *route.Dispatcher, self registry.NodeID, pausedWindow time.Duration, gameLoopLimits timer.Limits, m *metrics.Registry) *Table {
	return &Table{
		offload:        offload,
		router:         router,
		self:           self,
		pausedWindow:   pausedWindow,
		gameLoopLimits: gameLoopLimits,
		metrics:        m,
		factories:      make(map[string]Factory),
		stages:         make(map[int64]*Stage),
	}
}

// Snapshot returns every currently live stage, for metrics collection.
func (t *Table) Snapshot() []*Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Stage, 0, len(t.stages))
	for _, s := range t.stages {
		out = append(out, s)
	}
	return out
}

// RegisterType binds a stageType name to the Factory that builds its
// Handler. Call during bootstrap, before any stage of that type is created.
func (t *Table) RegisterType(stageType string, f Factory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factories[stageType] = f
}

// Get returns the live stage for stageID, if any.
func (t *Table) Get(stageID int64) (*Stage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stages[stageID]
	return s, ok
}

// Remove drops stageID from the table. Called once a stage reaches
// Destroyed, from the stage's own OnDestroy path.
func (t *Table) Remove(stageID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stages, stageID)
}

// CreateStage instantiates a brand new stage of stageType/stageID, runs its
// executor goroutine, and posts the creation sequence. StageAlreadyExists
// is reported via onReply if stageID is already live; InvalidStageType if
// stageType was never registered.
func (t *Table) CreateStage(stageType string, stageID int64, createPacket wire.Packet, onReply func(ok bool, errCode errorcode.Code, reply *wire.Packet)) {
	t.mu.Lock()
	if _, exists := t.stages[stageID]; exists {
		t.mu.Unlock()
		onReply(false, errorcode.StageAlreadyExists, nil)
		return
	}
	factory, ok := t.factories[stageType]
	if !ok {
		t.mu.Unlock()
		onReply(false, errorcode.InvalidStageType, nil)
		return
	}
	handler := factory(stageType, stageID)
	s := New(stageType, stageID, handler, t.offload, t.router, t.self, t.pausedWindow, t.gameLoopLimits)
	s.SetMetrics(t.metrics)
	t.stages[stageID] = s
	t.mu.Unlock()

	go s.Run()
	s.Create(createPacket, func(ok bool, reply *wire.Packet) {
		if !ok {
			t.Remove(stageID)
			onReply(false, errorcode.StageCreationFailed, reply)
			return
		}
		onReply(true, errorcode.Success, reply)
	})
}

// GetOrCreateStage returns the existing stage for stageID, or creates one
// of stageType if none exists yet. created reports which path was taken;
// onReply is invoked exactly once either way.
func (t *Table) GetOrCreateStage(stageType string, stageID int64, createPacket wire.Packet, onReply func(ok bool, errCode errorcode.Code, reply *wire.Packet)) {
	t.mu.Lock()
	if _, exists := t.stages[stageID]; exists {
		t.mu.Unlock()
		onReply(true, errorcode.Success, nil)
		return
	}
	t.mu.Unlock()
	t.CreateStage(stageType, stageID, createPacket, onReply)
}

// JoinActor resolves stageID and delegates to that stage's JoinActor.
// StageNotFound is reported if no such stage is live.
func (t *Table) JoinActor(stageID int64, sessionID int64, session ClientSender, authPacket wire.Packet, result func(JoinResult)) {
	s, ok := t.Get(stageID)
	if !ok {
		result(JoinResult{OK: false, ErrCode: errorcode.StageNotFound})
		return
	}
	s.JoinActor(sessionID, session, authPacket, result)
}
