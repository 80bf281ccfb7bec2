//go:build !(linux && (amd64 || arm64 || riscv64 || loong64))

package v4l2

// Open always fails on platforms without the LP64 Linux ioctl layout.
func Open(path string) (Device, error) {
	return nil, &OpError{Op: "open", Path: path, Err: ErrUnsupportedPlatform}
}
