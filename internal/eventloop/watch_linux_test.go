//go:build linux

package eventloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWatchReadableIsLevelTriggered(t *testing.T) {
	l, _ := runLoop(t)

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	// three bytes pending; the callback consumes one per invocation
	_, err := unix.Write(p[1], []byte("abc"))
	require.NoError(t, err)

	var calls atomic.Int32
	drained := make(chan struct{})
	w, err := l.WatchReadable(p[0], func() {
		var b [1]byte
		n, _ := unix.Read(p[0], b[:])
		if n == 1 && calls.Add(1) == 3 {
			close(drained)
		}
	})
	require.NoError(t, err)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected 3 readiness callbacks, got %d", calls.Load())
	}

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = unix.Write(p[1], []byte("d"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}
