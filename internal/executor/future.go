package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"datacore/internal/mainthread"
	"datacore/internal/shared"
)

// State is the lifecycle of a Future.
type State int

const (
	Pending State = iota
	Running
	Done
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Future is the eventual outcome of a submitted Request.
type Future struct {
	id        uuid.UUID
	source    string
	req       Request
	ctx       context.Context
	submitted time.Time
	done      chan struct{}

	mu              sync.Mutex
	state           State
	cancelRequested bool
	interrupt       context.CancelFunc
	res             Result
	err             error
	callbacks       []func()
}

func newFuture(ctx context.Context, source string, req Request) *Future {
	return &Future{
		id:        uuid.New(),
		source:    source,
		req:       req,
		ctx:       ctx,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

// ID identifies the submission.
func (f *Future) ID() uuid.UUID { return f.id }

// SubmittedAt is when the request was submitted.
func (f *Future) SubmittedAt() time.Time { return f.submitted }

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// State returns the current state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Wait blocks until the future completes or ctx is done. A ctx expiry does
// not cancel the submission.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.outcome()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Completed reports whether the future has completed.
func (f *Future) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) outcome() (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.err
}

// Cancel requests cancellation. A pending submission completes immediately
// with shared.ErrCancelled and never reaches the driver. A running one has
// its execution context cancelled. Returns false if the future already completed.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	switch f.state {
	case Pending:
		callbacks := f.settleLocked(Result{}, f.cancelledErr(nil))
		f.mu.Unlock()
		runAll(callbacks)
		return true
	case Running:
		f.cancelRequested = true
		interrupt := f.interrupt
		f.mu.Unlock()
		if interrupt != nil {
			interrupt()
		}
		return true
	default:
		f.mu.Unlock()
		return false
	}
}

func (f *Future) cancelledErr(cause error) error {
	err := shared.ErrCancelled
	if cause != nil {
		err = fmt.Errorf("%w: %w", shared.ErrCancelled, cause)
	}
	return shared.WrapDataSource(f.source, f.req.Shape.String(), err)
}

// start moves a pending future to Running. It returns false if the future
// was cancelled while queued.
func (f *Future) start(interrupt context.CancelFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.state = Running
	f.interrupt = interrupt
	return true
}

func (f *Future) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelRequested
}

// finish completes the future once; later calls are ignored.
func (f *Future) finish(res Result, err error) bool {
	f.mu.Lock()
	if f.state == Done || f.state == Cancelled {
		f.mu.Unlock()
		return false
	}
	callbacks := f.settleLocked(res, err)
	f.mu.Unlock()
	runAll(callbacks)
	return true
}

func (f *Future) settleLocked(res Result, err error) []func() {
	if shared.IsCancelled(err) {
		f.state = Cancelled
	} else {
		f.state = Done
	}
	f.res, f.err = res, err
	f.interrupt = nil
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	return callbacks
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// onComplete runs cb after completion, immediately if already complete.
func (f *Future) onComplete(cb func()) {
	f.mu.Lock()
	if f.state != Done && f.state != Cancelled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	cb()
}

// Deliver posts fn with the outcome onto the host main-thread queue once the
// future completes. fn runs on whatever goroutine drains q.
func (f *Future) Deliver(q *mainthread.Queue, fn func(Result, error)) {
	f.onComplete(func() {
		res, err := f.outcome()
		q.Post(func() { fn(res, err) })
	})
}
