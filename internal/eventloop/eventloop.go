// Package eventloop implements the single-goroutine callback loop the relay
// runs on.
//
// Every callback handed to a Loop (posted functions, timer callbacks, async
// completions, readiness callbacks) runs on the goroutine that called Run, one
// at a time. Blocking work runs elsewhere through Async and only its completion
// comes back to the loop, so state owned by loop callbacks needs no locking.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Watch is a registered readiness source.
type Watch interface {
	Close() error
}

// Scheduler is the part of the loop the transport layer needs.
type Scheduler interface {
	// Post queues fn to run on the loop goroutine.
	Post(fn func())
	// AfterFunc runs fn on the loop goroutine once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Async runs op off the loop and delivers its result to done on the loop.
	Async(op func() error, done func(error))
}

// Reactor adds readiness notification for file descriptors.
type Reactor interface {
	Scheduler
	// WatchReadable calls fn on the loop goroutine whenever fd is readable.
	// The source is level-triggered: fn is invoked again after it returns for
	// as long as fd stays readable.
	WatchReadable(fd int, fn func()) (Watch, error)
}

// Loop is the production Reactor.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New creates a loop. Call Run to start dispatching.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Run dispatches callbacks until Stop is called or ctx is cancelled.
// Callbacks posted after Run returns are discarded.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer l.close()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		select {
		case <-l.stop:
			return nil
		default:
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-l.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop makes Run return after the callback currently executing.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done is closed once Stop has been called.
func (l *Loop) Done() <-chan struct{} { return l.stop }

func (l *Loop) close() {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
}

// Post queues fn. Safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

type loopTimer struct {
	t    *time.Timer
	done atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if !t.done.CompareAndSwap(false, true) {
		return false
	}
	t.t.Stop()
	return true
}

// AfterFunc schedules fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.done.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return lt
}

// Async runs op on its own goroutine and posts done(err) back to the loop.
func (l *Loop) Async(op func() error, done func(error)) {
	go func() {
		err := op()
		l.Post(func() { done(err) })
	}()
}

var _ Reactor = (*Loop)(nil)
