package lsp

import (
	"sync"
	"sync/atomic"
)

// Loop is the bridge scheduler: a single goroutine that executes posted
// tasks in submission order. All session, registry, and capability state is
// mutated only from loop tasks, so none of it needs locking. The transport
// read side and the process monitor hand their events to the loop instead of
// touching state themselves, which gives the bridge exactly one logical
// thread of mutation.
type Loop struct {
	tasks   chan func()
	dead    chan struct{}
	stopped atomic.Bool
	once    sync.Once
}

// defaultLoopDepth is the task queue capacity. Posting blocks once the queue
// is this deep, which only happens if a posted task itself stalls.
const defaultLoopDepth = 256

// NewLoop creates a scheduler loop. Call Start before posting tasks.
func NewLoop() *Loop {
	return &Loop{
		tasks: make(chan func(), defaultLoopDepth),
		dead:  make(chan struct{}),
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	go l.run()
}

// run executes tasks until the stop sentinel is dequeued. Tasks posted
// before Stop are always executed; the sentinel is ordered behind them.
func (l *Loop) run() {
	defer close(l.dead)
	for fn := range l.tasks {
		if fn == nil {
			return
		}
		fn()
	}
}

// Post schedules fn to run on the loop goroutine.
// Returns false if the loop has stopped; fn will not run in that case.
func (l *Loop) Post(fn func()) bool {
	if fn == nil || l.stopped.Load() {
		return false
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.dead:
		return false
	}
}

// Call runs fn on the loop goroutine and waits for it to complete.
// Returns false if the loop stopped before fn could run.
func (l *Loop) Call(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.dead:
		return false
	}
}

// Stop drains tasks already queued, then stops the loop goroutine.
// Stop is idempotent and blocks until the loop has exited.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.stopped.Store(true)
		// nil is the stop sentinel; run exits after the tasks ahead of it.
		l.tasks <- nil
	})
	<-l.dead
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	return l.stopped.Load()
}
