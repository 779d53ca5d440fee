// Package codec reads and writes PixelBuffers as PNG, JPEG, BMP and TIFF.
package codec

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/gogpu/convolve"
)

// Codec errors.
var (
	// ErrUnsupportedFormat is returned for file extensions and formats
	// outside PNG, JPEG, BMP and TIFF.
	ErrUnsupportedFormat = errors.New("codec: unsupported format")

	// ErrDecode is returned when image data cannot be decoded.
	ErrDecode = errors.New("codec: decode failed")

	// ErrEncode is returned when an image cannot be encoded.
	ErrEncode = errors.New("codec: encode failed")
)

// Format is an image file format.
type Format int

// Supported formats.
const (
	PNG Format = iota
	JPEG
	BMP
	TIFF
)

// String returns the lower-case format name.
func (f Format) String() string {
	switch f {
	case PNG:
		return "png"
	case JPEG:
		return "jpeg"
	case BMP:
		return "bmp"
	case TIFF:
		return "tiff"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// DefaultJPEGQuality keeps JPEG output close to lossless.
const DefaultJPEGQuality = 100

// Options controls encoding.
type Options struct {
	// JPEGQuality is 1-100. Zero means DefaultJPEGQuality.
	JPEGQuality int
}

func (o Options) jpegQuality() int {
	q := o.JPEGQuality
	if q == 0 {
		q = DefaultJPEGQuality
	}
	return max(1, min(100, q))
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return PNG, nil
	case ".jpg", ".jpeg":
		return JPEG, nil
	case ".bmp":
		return BMP, nil
	case ".tif", ".tiff":
		return TIFF, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Load decodes the image file at path.
func Load(path string) (*convolve.PixelBuffer, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("codec: open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Decode(f)
}

// Decode decodes an image, detecting the format from its content.
func Decode(r io.Reader) (*convolve.PixelBuffer, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return FromImage(img)
}

// Save encodes b to path in the format implied by the extension.
func Save(path string, b *convolve.PixelBuffer, opts Options) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("codec: create file: %w", err)
	}

	if err := Encode(f, b, format, opts); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// Encode writes b to w in the given format.
func Encode(w io.Writer, b *convolve.PixelBuffer, format Format, opts Options) error {
	img, err := ToImage(b)
	if err != nil {
		return err
	}

	switch format {
	case PNG:
		err = png.Encode(w, img)
	case JPEG:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: opts.jpegQuality()})
	case BMP:
		err = bmp.Encode(w, img)
	case TIFF:
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return fmt.Errorf("%w: %v: %w", ErrEncode, format, err)
	}
	return nil
}

// FromImage converts a decoded image to a PixelBuffer.
//
// Grayscale images become 1-channel buffers and opaque images 3-channel
// RGB. Anything with transparency becomes 4-channel RGBA with straight
// (non-premultiplied) alpha.
func FromImage(img image.Image) (*convolve.PixelBuffer, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	switch src := img.(type) {
	case *image.Gray:
		b, err := convolve.NewPixelBuffer(width, height, convolve.Gray)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		for y := range height {
			off := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(b.RowBytes(y), src.Pix[off:off+width])
		}
		return b, nil
	case *image.Gray16:
		b, err := convolve.NewPixelBuffer(width, height, convolve.Gray)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		for y := range height {
			row := b.RowBytes(y)
			for x := range width {
				row[x] = byte(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y >> 8)
			}
		}
		return b, nil
	case *image.NRGBA:
		if !src.Opaque() {
			b, err := convolve.NewPixelBuffer(width, height, convolve.RGBA)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrDecode, err)
			}
			for y := range height {
				off := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
				copy(b.RowBytes(y), src.Pix[off:off+width*4])
			}
			return b, nil
		}
	}

	channels := convolve.RGBA
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		channels = convolve.RGB
	}
	b, err := convolve.NewPixelBuffer(width, height, channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	// Generic slow path for any image type
	for y := range height {
		row := b.RowBytes(y)
		for x := range width {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			px := row[x*channels : (x+1)*channels]
			px[0], px[1], px[2] = c.R, c.G, c.B
			if channels == convolve.RGBA {
				px[3] = c.A
			}
		}
	}
	return b, nil
}

// ToImage converts a PixelBuffer to a standard library image.
// Gray buffers become *image.Gray; RGB and RGBA become *image.NRGBA,
// with alpha 255 for RGB.
func ToImage(b *convolve.PixelBuffer) (image.Image, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil image", ErrEncode)
	}
	width, height := b.Width(), b.Height()
	rect := image.Rect(0, 0, width, height)

	switch b.Channels() {
	case convolve.Gray:
		img := image.NewGray(rect)
		for y := range height {
			copy(img.Pix[y*img.Stride:], b.RowBytes(y))
		}
		return img, nil
	case convolve.RGBA:
		img := image.NewNRGBA(rect)
		for y := range height {
			copy(img.Pix[y*img.Stride:], b.RowBytes(y))
		}
		return img, nil
	case convolve.RGB:
		img := image.NewNRGBA(rect)
		for y := range height {
			src := b.RowBytes(y)
			dst := img.Pix[y*img.Stride : y*img.Stride+width*4]
			for x := range width {
				dst[x*4+0] = src[x*3+0]
				dst[x*4+1] = src[x*3+1]
				dst[x*4+2] = src[x*3+2]
				dst[x*4+3] = 0xff
			}
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%w: %w: %d", ErrEncode, convolve.ErrUnsupportedChannelCount, b.Channels())
	}
}
