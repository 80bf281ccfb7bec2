//go:build linux

package eventloop

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"firestige.xyz/camrelay/internal/log"
)

// fdWatch polls one descriptor plus a self-pipe on a dedicated goroutine. At
// most one readiness callback is outstanding: the poller waits for the loop to
// run it before polling again, which gives level-triggered behaviour without
// flooding the queue.
type fdWatch struct {
	fd    int
	wakeR int
	wakeW int

	ack     chan struct{}
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	closeMu sync.Once
}

// WatchReadable registers fd for POLLIN notifications.
func (l *Loop) WatchReadable(fd int, fn func()) (Watch, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("eventloop: wake pipe: %w", err)
	}
	w := &fdWatch{
		fd:    fd,
		wakeR: p[0],
		wakeW: p[1],
		ack:   make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.run(l, fn)
	return w, nil
}

func (w *fdWatch) run(l *Loop, fn func()) {
	defer close(w.done)
	defer unix.Close(w.wakeR)

	fds := []unix.PollFd{
		{Fd: int32(w.fd), Events: unix.POLLIN},
		{Fd: int32(w.wakeR), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			log.GetLogger().WithError(err).WithField("fd", w.fd).Error("readiness poll failed")
			return
		}
		if fds[1].Revents != 0 || w.closed.Load() {
			return
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return
		}
		if fds[0].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) == 0 {
			continue
		}

		l.Post(func() {
			if !w.closed.Load() {
				fn()
			}
			select {
			case w.ack <- struct{}{}:
			default:
			}
		})

		select {
		case <-w.ack:
		case <-w.stop:
			return
		}
	}
}

// Close stops the poller and waits for it to exit, so the caller may close
// the watched descriptor afterwards.
func (w *fdWatch) Close() error {
	w.closeMu.Do(func() {
		w.closed.Store(true)
		close(w.stop)
		_, _ = unix.Write(w.wakeW, []byte{0})
		<-w.done
		unix.Close(w.wakeW)
	})
	return nil
}
