// Package frame holds the unit of data that flows through a pipeline graph.
package frame

import (
	"fmt"
	"sync/atomic"
	"time"
)

type PixelFormat int

const (
	PixelFormatBGRA PixelFormat = iota // 4 bytes per pixel, as produced by screen capture
	PixelFormatRGBA
	PixelFormatGray
)

func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatGray:
		return 1
	default:
		return 4
	}
}

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatBGRA:
		return "BGRA"
	case PixelFormatRGBA:
		return "RGBA"
	case PixelFormatGray:
		return "GRAY"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(p))
}

// Frame is an image plus metadata.
// Once a frame has been pushed downstream, it must not be modified unless the stage
// owns the only reference to it. Use MakeWritable() to obtain such a frame.
type Frame struct {
	Seq         int64 // Sequence number assigned by the source
	PTS         time.Time
	Width       int
	Height      int
	Stride      int
	PixelFormat PixelFormat
	Pixels      []byte
	Meta        Meta

	refs atomic.Int32
}

// Create a new zeroed frame, with a reference count of 1
func New(width, height int, format PixelFormat) *Frame {
	stride := width * format.BytesPerPixel()
	f := &Frame{
		Width:       width,
		Height:      height,
		Stride:      stride,
		PixelFormat: format,
		Pixels:      make([]byte, stride*height),
	}
	f.refs.Store(1)
	return f
}

// Wrap existing pixels in a frame, with a reference count of 1
func Wrap(width, height int, format PixelFormat, pixels []byte) *Frame {
	f := &Frame{
		Width:       width,
		Height:      height,
		Stride:      width * format.BytesPerPixel(),
		PixelFormat: format,
		Pixels:      pixels,
	}
	f.refs.Store(1)
	return f
}

// Ref adds a reference, and returns the same frame, so that it can be handed to another consumer
func (f *Frame) Ref() *Frame {
	if f.refs.Add(1) <= 1 {
		panic("Ref on a released frame")
	}
	return f
}

// Release drops a reference
func (f *Frame) Release() {
	n := f.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("Frame %v released too many times", f.Seq))
	}
	if n == 0 {
		f.Pixels = nil
		f.Meta = nil
	}
}

// Refs returns the current reference count
func (f *Frame) Refs() int {
	return int(f.refs.Load())
}

// IsWritable returns true if the caller owns the only reference
func (f *Frame) IsWritable() bool {
	return f.refs.Load() == 1
}

// MakeWritable returns a frame that the caller may modify.
// If the caller holds the only reference, then f is returned.
// Otherwise a deep copy is returned, and the caller's reference to f is released.
func (f *Frame) MakeWritable() *Frame {
	if f.IsWritable() {
		return f
	}
	c := f.Clone()
	f.Release()
	return c
}

// Clone returns a deep copy of the frame, with a reference count of 1
func (f *Frame) Clone() *Frame {
	c := &Frame{
		Seq:         f.Seq,
		PTS:         f.PTS,
		Width:       f.Width,
		Height:      f.Height,
		Stride:      f.Stride,
		PixelFormat: f.PixelFormat,
		Pixels:      append([]byte(nil), f.Pixels...),
		Meta:        f.Meta.Clone(),
	}
	c.refs.Store(1)
	return c
}

// Row returns the pixels of row y
func (f *Frame) Row(y int) []byte {
	return f.Pixels[y*f.Stride : y*f.Stride+f.Width*f.PixelFormat.BytesPerPixel()]
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame %v (%vx%v %v)", f.Seq, f.Width, f.Height, f.PixelFormat)
}
