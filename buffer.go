package convolve

import (
	"bytes"
	"errors"
	"fmt"
)

// Common errors for convolution operations.
var (
	// ErrInvalidArgument is returned for malformed kernels, negative border
	// sizes, non-positive dimensions and invalid partitions.
	ErrInvalidArgument = errors.New("convolve: invalid argument")

	// ErrDimensionMismatch is returned when a sample slice does not match
	// width*height*channels, or when ranks of a distributed run disagree
	// on the broadcast image description.
	ErrDimensionMismatch = errors.New("convolve: dimension mismatch")

	// ErrUnsupportedChannelCount is returned for channel counts outside {1, 3, 4}.
	ErrUnsupportedChannelCount = errors.New("convolve: unsupported channel count")
)

// Supported channel layouts.
const (
	// Gray is a single luminance channel.
	Gray = 1

	// RGB is three interleaved color channels.
	RGB = 3

	// RGBA is three color channels followed by an alpha channel.
	// Alpha is never convolved.
	RGBA = 4
)

// alphaChannel is the index of the alpha sample within an RGBA pixel.
const alphaChannel = 3

// PixelBuffer is a contiguous, row-major, channel-interleaved 8-bit raster.
//
// Rows are packed with no stride padding: row y starts at y*Width()*Channels().
// A PixelBuffer is owned by whoever currently holds it; backends never keep
// a reference to a caller's buffer after Run returns.
//
// Thread safety: concurrent reads are safe. Writes require that no two
// goroutines touch the same row.
type PixelBuffer struct {
	samples  []byte
	width    int
	height   int
	channels int
}

// validateShape checks width, height and channel count.
func validateShape(width, height, channels int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidArgument, width, height)
	}
	if !SupportedChannels(channels) {
		return fmt.Errorf("%w: %d", ErrUnsupportedChannelCount, channels)
	}
	return nil
}

// SupportedChannels reports whether c is one of Gray, RGB or RGBA.
func SupportedChannels(c int) bool {
	return c == Gray || c == RGB || c == RGBA
}

// NewPixelBuffer allocates a zeroed buffer with the given shape.
func NewPixelBuffer(width, height, channels int) (*PixelBuffer, error) {
	if err := validateShape(width, height, channels); err != nil {
		return nil, err
	}
	return &PixelBuffer{
		samples:  make([]byte, width*height*channels),
		width:    width,
		height:   height,
		channels: channels,
	}, nil
}

// FromSamples wraps samples without copying. The buffer takes ownership of
// samples; the caller must not modify the slice afterwards.
func FromSamples(width, height, channels int, samples []byte) (*PixelBuffer, error) {
	if err := validateShape(width, height, channels); err != nil {
		return nil, err
	}
	if want := width * height * channels; len(samples) != want {
		return nil, fmt.Errorf("%w: %d samples for %dx%dx%d (want %d)",
			ErrDimensionMismatch, len(samples), width, height, channels, want)
	}
	return &PixelBuffer{
		samples:  samples,
		width:    width,
		height:   height,
		channels: channels,
	}, nil
}

// Clone creates a deep copy of the buffer.
func (b *PixelBuffer) Clone() *PixelBuffer {
	samples := make([]byte, len(b.samples))
	copy(samples, b.samples)
	return &PixelBuffer{
		samples:  samples,
		width:    b.width,
		height:   b.height,
		channels: b.channels,
	}
}

// Width returns the image width in pixels.
func (b *PixelBuffer) Width() int {
	return b.width
}

// Height returns the image height in pixels.
func (b *PixelBuffer) Height() int {
	return b.height
}

// Channels returns the number of interleaved samples per pixel.
func (b *PixelBuffer) Channels() int {
	return b.channels
}

// Stride returns the number of bytes per row.
func (b *PixelBuffer) Stride() int {
	return b.width * b.channels
}

// Samples returns the raw sample slice.
func (b *PixelBuffer) Samples() []byte {
	return b.samples
}

// RowBytes returns the samples of row y, or nil if y is out of bounds.
func (b *PixelBuffer) RowBytes(y int) []byte {
	if y < 0 || y >= b.height {
		return nil
	}
	stride := b.Stride()
	return b.samples[y*stride : (y+1)*stride]
}

// Rows returns the samples of rows [y0, y1), or nil if the range is
// empty or out of bounds. The result aliases the buffer.
func (b *PixelBuffer) Rows(y0, y1 int) []byte {
	if y0 < 0 || y1 > b.height || y0 >= y1 {
		return nil
	}
	stride := b.Stride()
	return b.samples[y0*stride : y1*stride]
}

// PixelOffset returns the byte offset of pixel (x, y), or -1 if the
// coordinates are out of bounds.
func (b *PixelBuffer) PixelOffset(x, y int) int {
	if x < 0 || x >= b.width || y < 0 || y >= b.height {
		return -1
	}
	return (y*b.width + x) * b.channels
}

// Pixel returns the samples of pixel (x, y), or nil if out of bounds.
func (b *PixelBuffer) Pixel(x, y int) []byte {
	off := b.PixelOffset(x, y)
	if off < 0 {
		return nil
	}
	return b.samples[off : off+b.channels]
}

// SetPixel copies px into pixel (x, y).
func (b *PixelBuffer) SetPixel(x, y int, px ...byte) error {
	off := b.PixelOffset(x, y)
	if off < 0 {
		return fmt.Errorf("%w: pixel (%d,%d) outside %dx%d", ErrInvalidArgument, x, y, b.width, b.height)
	}
	if len(px) != b.channels {
		return fmt.Errorf("%w: %d samples for %d channels", ErrDimensionMismatch, len(px), b.channels)
	}
	copy(b.samples[off:off+b.channels], px)
	return nil
}

// Fill sets every pixel to px. Extra samples are ignored; missing ones are
// left untouched.
func (b *PixelBuffer) Fill(px ...byte) {
	n := min(len(px), b.channels)
	for off := 0; off < len(b.samples); off += b.channels {
		copy(b.samples[off:off+n], px[:n])
	}
}

// Equal reports whether o has the same shape and samples.
func (b *PixelBuffer) Equal(o *PixelBuffer) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.width == o.width &&
		b.height == o.height &&
		b.channels == o.channels &&
		bytes.Equal(b.samples, o.samples)
}

// String describes the buffer shape.
func (b *PixelBuffer) String() string {
	return fmt.Sprintf("PixelBuffer(%dx%dx%d)", b.width, b.height, b.channels)
}

// valid reports whether b is a usable buffer. It guards against zero values
// built without a constructor.
func (b *PixelBuffer) valid() error {
	if b == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidArgument)
	}
	if err := validateShape(b.width, b.height, b.channels); err != nil {
		return err
	}
	if len(b.samples) != b.width*b.height*b.channels {
		return fmt.Errorf("%w: %d samples for %s", ErrDimensionMismatch, len(b.samples), b)
	}
	return nil
}

// convolvedChannels returns how many leading channels take part in the
// convolution. The alpha channel of RGBA is passed through.
func convolvedChannels(channels int) int {
	if channels == RGBA {
		return RGB
	}
	return channels
}
