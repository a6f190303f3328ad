// Package timer implements the per-stage timer wheel and fixed-timestep
// game loop (C7). Both scheduling primitives run their user callbacks on
// the owning stage's dispatcher goroutine: the wheel and the game loop each
// run their own background goroutine only to sample real time, and hand
// every callback invocation to a post function supplied by the stage so it
// is executed as an ordinary mailbox item.
package timer

import (
	"sync"
	"time"

	"github.com/playhouse-go/playhouse/internal/errorcode"
)

// ID identifies a scheduled timer for later cancellation.
type ID uint64

// Post enqueues fn to run on the owning stage's dispatcher goroutine.
// Satisfied by the stage mailbox's post-function.
type Post func(fn func())

type timerEntry struct {
	t         *time.Timer
	cancelled bool
}

type gameLoop struct {
	stop chan struct{}
	done chan struct{}
}

// Wheel owns one stage's scheduled timers and at most one game loop.
type Wheel struct {
	post Post

	minTimestep           time.Duration
	maxTimestep           time.Duration
	defaultMaxAccumulator time.Duration

	mu      sync.Mutex
	nextID  ID
	entries map[ID]*timerEntry
	loop    *gameLoop
}

// Limits bounds a Wheel's game loop (spec's game_loop_timestep_min_ms,
// game_loop_timestep_max_ms, game_loop_max_accumulator_cap_ms). A zero value
// in any field falls back to the package default for that field.
type Limits struct {
	MinTimestep           time.Duration
	MaxTimestep           time.Duration
	DefaultMaxAccumulator time.Duration
}

// New creates a Wheel that delivers fired callbacks through post, bounding
// its game loop per limits (zero value selects the spec defaults).
func New(post Post, limits Limits) *Wheel {
	if limits.MinTimestep <= 0 {
		limits.MinTimestep = minTimestep
	}
	if limits.MaxTimestep <= 0 {
		limits.MaxTimestep = maxTimestep
	}
	if limits.DefaultMaxAccumulator <= 0 {
		limits.DefaultMaxAccumulator = defaultMaxAccumulatorCap
	}
	return &Wheel{
		post:                  post,
		minTimestep:           limits.MinTimestep,
		maxTimestep:           limits.MaxTimestep,
		defaultMaxAccumulator: limits.DefaultMaxAccumulator,
		nextID:                1,
		entries:               make(map[ID]*timerEntry),
	}
}

// AddRepeatTimer schedules cb to fire every period, starting after
// initialDelay, indefinitely until CancelTimer or Close.
func (w *Wheel) AddRepeatTimer(initialDelay, period time.Duration, cb func()) ID {
	return w.schedule(initialDelay, period, -1, cb)
}

// AddCountTimer schedules cb to fire exactly count times, starting after
// initialDelay and then every period.
func (w *Wheel) AddCountTimer(initialDelay, period time.Duration, count int, cb func()) ID {
	if count <= 0 {
		count = 0
	}
	return w.schedule(initialDelay, period, count, cb)
}

// schedule arms a timer. count<0 means repeat forever; count>=0 is the
// total number of fires before the entry retires itself.
func (w *Wheel) schedule(initialDelay, period time.Duration, count int, cb func()) ID {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	e := &timerEntry{}
	w.entries[id] = e
	w.mu.Unlock()

	fired := 0
	var onFire func()
	onFire = func() {
		w.mu.Lock()
		if e.cancelled {
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		w.post(cb)
		fired++

		if count >= 0 && fired >= count {
			w.mu.Lock()
			delete(w.entries, id)
			w.mu.Unlock()
			return
		}

		w.mu.Lock()
		if !e.cancelled {
			e.t = time.AfterFunc(period, onFire)
		}
		w.mu.Unlock()
	}

	w.mu.Lock()
	e.t = time.AfterFunc(initialDelay, onFire)
	w.mu.Unlock()
	return id
}

// CancelTimer marks id cancelled. A fire already in flight to post may
// still run once; callers must tolerate one late invocation.
func (w *Wheel) CancelTimer(id ID) {
	w.mu.Lock()
	e, ok := w.entries[id]
	if ok {
		e.cancelled = true
		delete(w.entries, id)
	}
	w.mu.Unlock()
	if ok && e.t != nil {
		e.t.Stop()
	}
}

// HasTimer reports whether id is still scheduled.
func (w *Wheel) HasTimer(id ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[id]
	return ok
}

// CancelAllTimers cancels every outstanding timer (stage close step 1).
func (w *Wheel) CancelAllTimers() {
	w.mu.Lock()
	entries := w.entries
	w.entries = make(map[ID]*timerEntry)
	w.mu.Unlock()
	for _, e := range entries {
		e.cancelled = true
		if e.t != nil {
			e.t.Stop()
		}
	}
}

const (
	minTimestep       = time.Millisecond
	maxTimestep       = time.Second
	defaultMaxAccumulatorCap = 200 * time.Millisecond
)

// StartGameLoop starts the fixed-timestep loop. Only one game loop may run
// per Wheel; a second call fails with GameLoopAlreadyRunning. maxAccumulator
// caps the backlog a long pause can build up (0 selects the 200ms default).
// cb is invoked on the dispatcher goroutine with deltaMs always equal to
// fixedTimestep's millisecond value.
func (w *Wheel) StartGameLoop(fixedTimestep time.Duration, maxAccumulator time.Duration, cb func(deltaMs, totalElapsedMs int64)) error {
	if fixedTimestep < w.minTimestep || fixedTimestep > w.maxTimestep {
		return errorcode.ArgumentOutOfRange
	}
	if maxAccumulator <= 0 {
		maxAccumulator = w.defaultMaxAccumulator
	}

	w.mu.Lock()
	if w.loop != nil {
		w.mu.Unlock()
		return errorcode.GameLoopAlreadyRunning
	}
	loop := &gameLoop{stop: make(chan struct{}), done: make(chan struct{})}
	w.loop = loop
	w.mu.Unlock()

	go w.runGameLoop(loop, fixedTimestep, maxAccumulator, cb)
	return nil
}

func (w *Wheel) runGameLoop(loop *gameLoop, fixedTimestep, maxAccumulator time.Duration, cb func(int64, int64)) {
	defer close(loop.done)

	ticker := time.NewTicker(fixedTimestep)
	defer ticker.Stop()

	last := time.Now()
	var accumulator time.Duration
	var totalElapsed int64

	for {
		select {
		case <-loop.stop:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			accumulator += elapsed
			if accumulator > maxAccumulator {
				accumulator = maxAccumulator
			}
			deltaMs := fixedTimestep.Milliseconds()
			for accumulator >= fixedTimestep {
				totalElapsed += deltaMs
				te := totalElapsed
				w.post(func() { cb(deltaMs, te) })
				accumulator -= fixedTimestep
			}
		}
	}
}

// IsGameLoopRunning reports whether a game loop is currently started.
func (w *Wheel) IsGameLoopRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loop != nil
}

// StopGameLoop halts the running game loop and blocks until its background
// goroutine has exited, so no cb invocation is posted after this returns.
// Safe to call when no loop is running.
func (w *Wheel) StopGameLoop() {
	w.mu.Lock()
	loop := w.loop
	w.loop = nil
	w.mu.Unlock()
	if loop == nil {
		return
	}
	close(loop.stop)
	<-loop.done
}

// Close cancels every timer and stops the game loop (stage close steps 1-2).
func (w *Wheel) Close() {
	w.CancelAllTimers()
	w.StopGameLoop()
}
