//go:build !linux

package eventloop

// WatchReadable is only implemented on Linux.
func (l *Loop) WatchReadable(fd int, fn func()) (Watch, error) {
	return nil, ErrWatchUnsupported
}
