// Package core defines core types with zero external dependencies.
package core

import "fmt"

// Mode selects the FrameSink variant.
type Mode string

const (
	ModeStream   Mode = "stream"
	ModeDatagram Mode = "datagram"
)

// Valid reports whether m names a known transport mode.
func (m Mode) Valid() bool {
	return m == ModeStream || m == ModeDatagram
}

// FourCC is a V4L2 pixel format code.
type FourCC uint32

// NewFourCC packs four characters little-endian, as v4l2_fourcc() does.
func NewFourCC(a, b, c, d byte) FourCC {
	return FourCC(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// ParseFourCC converts a four character code such as "H264" or "MJPG".
func ParseFourCC(s string) (FourCC, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("%w: pixel format %q must be 4 characters", ErrConfigInvalid, s)
	}
	return NewFourCC(s[0], s[1], s[2], s[3]), nil
}

func (f FourCC) String() string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '.'
		}
	}
	return string(b)
}

// Common pixel formats.
var (
	PixelFormatH264  = NewFourCC('H', '2', '6', '4')
	PixelFormatMJPEG = NewFourCC('M', 'J', 'P', 'G')
	PixelFormatJPEG  = NewFourCC('J', 'P', 'E', 'G')
	PixelFormatYUYV  = NewFourCC('Y', 'U', 'Y', 'V')
	PixelFormatYU12  = NewFourCC('Y', 'U', '1', '2')
)
