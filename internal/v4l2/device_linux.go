//go:build linux && (amd64 || arm64 || riscv64 || loong64)

package v4l2

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"firestige.xyz/camrelay/internal/core"
)

type device struct {
	fd   int
	path string
}

// Open opens a capture node non-blocking.
func Open(path string) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &OpError{Op: "open", Path: path, Err: err}
	}
	return &device{fd: fd, path: path}, nil
}

func (d *device) Fd() int { return d.fd }

func (d *device) QueryCapability() (Capability, error) {
	var c v4l2Capability
	if err := xioctl(d.fd, vidiocQueryCap, unsafe.Pointer(&c)); err != nil {
		return Capability{}, &OpError{Op: "VIDIOC_QUERYCAP", Path: d.path, Err: err}
	}
	return Capability{
		Driver:       cstring(c.driver[:]),
		Card:         cstring(c.card[:]),
		BusInfo:      cstring(c.busInfo[:]),
		Capabilities: c.capabilities,
		DeviceCaps:   c.deviceCaps,
	}, nil
}

func (d *device) SetFormat(f PixFormat) error {
	fmtReq := v4l2Format{typ: bufTypeVideoCapture}
	fmtReq.pix.width = f.Width
	fmtReq.pix.height = f.Height
	fmtReq.pix.pixelformat = uint32(f.PixelFormat)
	fmtReq.pix.field = f.Field
	if err := xioctl(d.fd, vidiocSetFmt, unsafe.Pointer(&fmtReq)); err != nil {
		return &OpError{Op: "VIDIOC_S_FMT", Path: d.path, Err: err}
	}
	return nil
}

func (d *device) GetFormat() (PixFormat, error) {
	fmtReq := v4l2Format{typ: bufTypeVideoCapture}
	if err := xioctl(d.fd, vidiocGetFmt, unsafe.Pointer(&fmtReq)); err != nil {
		return PixFormat{}, &OpError{Op: "VIDIOC_G_FMT", Path: d.path, Err: err}
	}
	return PixFormat{
		Width:        fmtReq.pix.width,
		Height:       fmtReq.pix.height,
		PixelFormat:  core.FourCC(fmtReq.pix.pixelformat),
		Field:        fmtReq.pix.field,
		BytesPerLine: fmtReq.pix.bytesperline,
		SizeImage:    fmtReq.pix.sizeimage,
	}, nil
}

func (d *device) SetFrameInterval(f Fract) error {
	parm := v4l2StreamParm{typ: bufTypeVideoCapture}
	parm.capture.timeperframe = v4l2Fract{numerator: f.Numerator, denominator: f.Denominator}
	if err := xioctl(d.fd, vidiocSetParm, unsafe.Pointer(&parm)); err != nil {
		return &OpError{Op: "VIDIOC_S_PARM", Path: d.path, Err: err}
	}
	return nil
}

func (d *device) GetFrameInterval() (Fract, error) {
	parm := v4l2StreamParm{typ: bufTypeVideoCapture}
	if err := xioctl(d.fd, vidiocGetParm, unsafe.Pointer(&parm)); err != nil {
		return Fract{}, &OpError{Op: "VIDIOC_G_PARM", Path: d.path, Err: err}
	}
	tpf := parm.capture.timeperframe
	return Fract{Numerator: tpf.numerator, Denominator: tpf.denominator}, nil
}

func (d *device) RequestBuffers(count uint32) (uint32, error) {
	req := v4l2RequestBuffers{
		count:  count,
		typ:    bufTypeVideoCapture,
		memory: memoryMmap,
	}
	if err := xioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return 0, &OpError{Op: "VIDIOC_REQBUFS", Path: d.path, Err: err}
	}
	return req.count, nil
}

func (d *device) QueryBuffer(index uint32) (BufferInfo, error) {
	buf := v4l2Buffer{index: index, typ: bufTypeVideoCapture, memory: memoryMmap}
	if err := xioctl(d.fd, vidiocQueryBuf, unsafe.Pointer(&buf)); err != nil {
		return BufferInfo{}, &OpError{Op: "VIDIOC_QUERYBUF", Path: d.path, Err: err}
	}
	return BufferInfo{Index: index, Offset: buf.offset, Length: buf.length}, nil
}

func (d *device) Map(info BufferInfo) ([]byte, error) {
	mem, err := unix.Mmap(d.fd, int64(info.Offset), int(info.Length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &OpError{Op: "mmap", Path: d.path, Err: err}
	}
	return mem, nil
}

func (d *device) Unmap(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return &OpError{Op: "munmap", Path: d.path, Err: err}
	}
	return nil
}

func (d *device) Queue(index uint32) error {
	buf := v4l2Buffer{index: index, typ: bufTypeVideoCapture, memory: memoryMmap}
	if err := xioctl(d.fd, vidiocQBuf, unsafe.Pointer(&buf)); err != nil {
		return &OpError{Op: "VIDIOC_QBUF", Path: d.path, Err: err}
	}
	return nil
}

func (d *device) Dequeue() (Dequeued, error) {
	buf := v4l2Buffer{typ: bufTypeVideoCapture, memory: memoryMmap}
	if err := xioctl(d.fd, vidiocDQBuf, unsafe.Pointer(&buf)); err != nil {
		return Dequeued{}, &OpError{Op: "VIDIOC_DQBUF", Path: d.path, Err: err}
	}
	return Dequeued{
		Index:     buf.index,
		BytesUsed: buf.bytesused,
		Sequence:  buf.sequence,
		Timestamp: time.Unix(buf.timestamp.Unix()),
	}, nil
}

func (d *device) StreamOn() error {
	typ := int32(bufTypeVideoCapture)
	if err := xioctl(d.fd, vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
		return &OpError{Op: "VIDIOC_STREAMON", Path: d.path, Err: err}
	}
	return nil
}

func (d *device) StreamOff() error {
	typ := int32(bufTypeVideoCapture)
	if err := xioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&typ)); err != nil {
		return &OpError{Op: "VIDIOC_STREAMOFF", Path: d.path, Err: err}
	}
	return nil
}

func (d *device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	if err != nil {
		return &OpError{Op: "close", Path: d.path, Err: err}
	}
	return nil
}
