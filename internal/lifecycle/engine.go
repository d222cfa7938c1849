// Package lifecycle implements the exercise lifecycle scheduler: a deferred
// task engine, a keyed cancel-before-replace registry, pure date policy,
// a bounded bulk operation coordinator, and the scheduling orchestrator that
// ties them together.
package lifecycle

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Handle states. A handle moves from pending to exactly one of cancelled or
// fired; the transition is a CAS so cancellation racing with firing is safe.
const (
	statePending int32 = iota
	stateCancelled
	stateFired
)

// TaskHandle is a cancellable reference to a scheduled callback. It is owned
// exclusively by the registry entry that created it.
type TaskHandle struct {
	state atomic.Int32
	timer *time.Timer
}

// Cancel prevents the callback from running if it has not fired yet. It is
// idempotent and safe to call concurrently with firing: whichever side wins
// the state transition determines the outcome, and the loser is a no-op.
func (h *TaskHandle) Cancel() {
	if h.state.CompareAndSwap(statePending, stateCancelled) {
		if h.timer != nil {
			h.timer.Stop()
		}
	}
}

// Cancelled reports whether the handle was cancelled before firing.
func (h *TaskHandle) Cancelled() bool {
	return h.state.Load() == stateCancelled
}

// Fired reports whether the callback was handed to a worker.
func (h *TaskHandle) Fired() bool {
	return h.state.Load() == stateFired
}

// Task is a deferred callback. The context carries no caller identity; tasks
// that touch storage must establish the system actor themselves.
type Task func(ctx context.Context)

// Engine executes callbacks once at (or very soon after) a requested future
// time on a bounded set of background workers. It has no side effects of its
// own; a panicking callback is logged and isolated, never propagated.
type Engine struct {
	queue   chan Task
	logger  *slog.Logger
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
}

// EngineConfig holds the tunables for creating an Engine.
type EngineConfig struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

// NewEngine creates an Engine and starts its worker goroutines.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		queue:   make(chan Task, queueSize),
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}

	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

// Schedule registers fn to run once at the given time. If at is already in
// the past the callback fires immediately. The returned handle can cancel the
// callback until it fires.
func (e *Engine) Schedule(at time.Time, fn Task) *TaskHandle {
	h := &TaskHandle{}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	h.timer = time.AfterFunc(delay, func() {
		if h.state.CompareAndSwap(statePending, stateFired) {
			e.submit(fn)
		}
	})
	return h
}

// ScheduleNow submits fn for immediate execution on a background worker.
func (e *Engine) ScheduleNow(fn Task) *TaskHandle {
	h := &TaskHandle{}
	h.state.Store(stateFired)
	e.submit(fn)
	return h
}

// submit hands a task to the worker pool. If the queue is saturated the task
// still runs, on a dedicated goroutine, so a scheduled action is never
// silently dropped while the engine is alive.
func (e *Engine) submit(fn Task) {
	if e.closed.Load() {
		e.logger.Warn("task engine is shut down, dropping scheduled task")
		return
	}
	select {
	case e.queue <- fn:
	default:
		e.logger.Error("task queue saturated, executing task on overflow goroutine")
		go e.run(fn)
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case fn := <-e.queue:
			e.run(fn)
		}
	}
}

// run executes one task with panic isolation. A failure in one callback must
// never affect other scheduled callbacks or crash the process.
func (e *Engine) run(fn Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("scheduled task panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(e.baseCtx)
}

// Shutdown stops accepting new work and waits for in-flight tasks to finish
// or the context to expire. Pending timers should be cancelled first via the
// registry; shutdown is best-effort for anything still queued.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closed.Store(true)
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
