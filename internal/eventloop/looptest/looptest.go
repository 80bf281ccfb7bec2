// Package looptest provides a deterministic, single-threaded eventloop.Reactor
// for tests. Nothing runs until the test drives it with Drain, Advance,
// Signal or by completing async operations.
package looptest

import (
	"errors"
	"sort"
	"time"

	"firestige.xyz/camrelay/internal/eventloop"
)

// Loop is a manual-clock reactor.
type Loop struct {
	now     time.Time
	queue   []func()
	timers  []*Timer
	ops     []*Op
	watches map[int]*Watch
	seq     int

	// ManualAsync parks Async operations until the test calls Complete or
	// Fail. When false, operations run inline and their completion is queued.
	ManualAsync bool
}

// New creates a loop whose clock starts at the Unix epoch.
func New() *Loop {
	return &Loop{now: time.Unix(0, 0), watches: make(map[int]*Watch)}
}

// Now returns the manual clock.
func (l *Loop) Now() time.Time { return l.now }

// Post queues fn.
func (l *Loop) Post(fn func()) { l.queue = append(l.queue, fn) }

// Drain runs queued callbacks, including ones they post, until the queue is
// empty. It returns how many ran.
func (l *Loop) Drain() int {
	n := 0
	for len(l.queue) > 0 {
		fn := l.queue[0]
		l.queue = l.queue[1:]
		fn()
		n++
	}
	return n
}

// Timer is a fake timer driven by Advance.
type Timer struct {
	when    time.Time
	seq     int
	fn      func()
	fired   bool
	stopped bool
}

func (t *Timer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// When reports the scheduled fire time.
func (t *Timer) When() time.Time { return t.when }

// AfterFunc schedules fn at Now()+d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) eventloop.Timer {
	l.seq++
	t := &Timer{when: l.now.Add(d), seq: l.seq, fn: fn}
	l.timers = append(l.timers, t)
	return t
}

// ActiveTimers returns the timers that have neither fired nor been stopped,
// ordered by fire time.
func (l *Loop) ActiveTimers() []*Timer {
	var out []*Timer
	for _, t := range l.timers {
		if !t.fired && !t.stopped {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].when.Equal(out[j].when) {
			return out[i].seq < out[j].seq
		}
		return out[i].when.Before(out[j].when)
	})
	return out
}

// Advance moves the clock forward by d, firing due timers in order and
// draining the queue after each.
func (l *Loop) Advance(d time.Duration) {
	target := l.now.Add(d)
	l.Drain()
	for {
		active := l.ActiveTimers()
		if len(active) == 0 || active[0].when.After(target) {
			break
		}
		t := active[0]
		l.now = t.when
		t.fired = true
		t.fn()
		l.Drain()
	}
	l.now = target
	l.Drain()
}

// Op is a parked async operation.
type Op struct {
	loop *Loop
	op   func() error
	done func(error)
	over bool
}

// Async runs op inline unless ManualAsync is set.
func (l *Loop) Async(op func() error, done func(error)) {
	if !l.ManualAsync {
		err := op()
		l.Post(func() { done(err) })
		return
	}
	l.ops = append(l.ops, &Op{loop: l, op: op, done: done})
}

// Pending returns parked operations in submission order.
func (l *Loop) Pending() []*Op {
	out := make([]*Op, len(l.ops))
	copy(out, l.ops)
	return out
}

// Complete runs the operation body, delivers its result and drains.
func (o *Op) Complete() error {
	if o.over {
		return errors.New("looptest: operation already finished")
	}
	err := o.op()
	o.finish(err)
	return err
}

// Fail delivers err without running the operation body, then drains.
func (o *Op) Fail(err error) {
	if o.over {
		return
	}
	o.finish(err)
}

func (o *Op) finish(err error) {
	o.over = true
	l := o.loop
	for i, p := range l.ops {
		if p == o {
			l.ops = append(l.ops[:i], l.ops[i+1:]...)
			break
		}
	}
	l.Post(func() { o.done(err) })
	l.Drain()
}

// CompleteAll completes parked operations, including ones started by the
// completions themselves, until none remain.
func (l *Loop) CompleteAll() int {
	n := 0
	for len(l.ops) > 0 {
		_ = l.ops[0].Complete()
		n++
	}
	return n
}

// Watch is a fake readiness registration.
type Watch struct {
	loop   *Loop
	fd     int
	fn     func()
	closed bool
}

func (w *Watch) Close() error {
	if !w.closed {
		w.closed = true
		if w.loop.watches[w.fd] == w {
			delete(w.loop.watches, w.fd)
		}
	}
	return nil
}

// WatchReadable registers fn for fd.
func (l *Loop) WatchReadable(fd int, fn func()) (eventloop.Watch, error) {
	w := &Watch{loop: l, fd: fd, fn: fn}
	l.watches[fd] = w
	return w, nil
}

// Watching reports whether fd has an open watch.
func (l *Loop) Watching(fd int) bool {
	_, ok := l.watches[fd]
	return ok
}

// Signal delivers one readiness callback for fd and drains. It reports false
// if nothing watches fd.
func (l *Loop) Signal(fd int) bool {
	w, ok := l.watches[fd]
	if !ok {
		return false
	}
	w.fn()
	l.Drain()
	return true
}

var _ eventloop.Reactor = (*Loop)(nil)
