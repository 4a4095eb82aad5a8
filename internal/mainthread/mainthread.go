// Package mainthread is the single re-entry point from worker goroutines back
// into the host's main loop. Workers Post closures; the host calls Drain once
// per tick on its main goroutine.
package mainthread

import (
	"context"
	"sync"
)

type mainKey struct{}

// WithMain marks ctx as belonging to the host main loop.
func WithMain(ctx context.Context) context.Context {
	return context.WithValue(ctx, mainKey{}, true)
}

// IsMain reports whether ctx was marked by WithMain.
func IsMain(ctx context.Context) bool {
	v, _ := ctx.Value(mainKey{}).(bool)
	return v
}

// Queue is an unbounded FIFO of closures executed by the host main loop.
type Queue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	ready  chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Post enqueues fn. It never blocks and never runs fn on the caller's goroutine.
// Returns false once the queue is closed.
func (q *Queue) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled whenever new work is posted. A host that does not tick
// at a fixed rate can select on it.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain runs up to max queued closures in FIFO order on the calling goroutine
// and returns how many ran. max <= 0 drains everything queued at call time.
// Closures posted while draining run on the next call.
func (q *Queue) Drain(max int) int {
	q.mu.Lock()
	n := len(q.tasks)
	if max > 0 && max < n {
		n = max
	}
	batch := make([]func(), n)
	copy(batch, q.tasks[:n])
	rest := copy(q.tasks, q.tasks[n:])
	for i := rest; i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = q.tasks[:rest]
	q.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return n
}

// Len returns the number of queued closures.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close rejects further posts. Already queued closures can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
