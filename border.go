package convolve

import (
	"fmt"
	"strings"
)

// BorderMode selects how synthetic border pixels are produced by Extend.
type BorderMode int

const (
	// BorderZero fills every border sample with 0.
	BorderZero BorderMode = iota

	// BorderReplicate copies the nearest edge pixel outward.
	BorderReplicate
)

// String returns the lower-case mode name.
func (m BorderMode) String() string {
	switch m {
	case BorderZero:
		return "zero"
	case BorderReplicate:
		return "replicate"
	default:
		return fmt.Sprintf("BorderMode(%d)", int(m))
	}
}

// ParseBorderMode parses "zero" or "replicate" (case-insensitive).
func ParseBorderMode(s string) (BorderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "zero", "zeros":
		return BorderZero, nil
	case "replicate", "replication", "edge":
		return BorderReplicate, nil
	default:
		return 0, fmt.Errorf("%w: unknown border mode %q", ErrInvalidArgument, s)
	}
}

// Extend returns a new buffer enlarged by border pixels on every side.
// The interior is copied verbatim and the border is filled according to mode.
//
// BorderReplicate runs two passes, and corner values depend on the order:
//  1. the first and last interior rows are copied into all top and bottom
//     border rows (full padded width);
//  2. for every row of the padded height, the first and last interior
//     pixels are copied into the left and right border columns.
//
// Corners therefore hold the nearest edge pixel.
func Extend(src *PixelBuffer, border int, mode BorderMode) (*PixelBuffer, error) {
	if err := src.valid(); err != nil {
		return nil, err
	}
	if border < 0 {
		return nil, fmt.Errorf("%w: negative border size %d", ErrInvalidArgument, border)
	}
	if mode != BorderZero && mode != BorderReplicate {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, mode)
	}
	if border == 0 {
		return src.Clone(), nil
	}

	c := src.channels
	dst, err := NewPixelBuffer(src.width+2*border, src.height+2*border, c)
	if err != nil {
		return nil, err
	}

	// Interior
	for y := range src.height {
		copy(dst.RowBytes(y+border)[border*c:], src.RowBytes(y))
	}

	if mode == BorderZero {
		return dst, nil
	}

	// Pass 1: top and bottom rows.
	top := dst.RowBytes(border)
	bottom := dst.RowBytes(src.height + border - 1)
	for y := range border {
		copy(dst.RowBytes(y), top)
		copy(dst.RowBytes(dst.height-1-y), bottom)
	}

	// Pass 2: left and right columns over the full padded height.
	for y := range dst.height {
		row := dst.RowBytes(y)
		left := row[border*c : (border+1)*c]
		right := row[(dst.width-border-1)*c : (dst.width-border)*c]
		for x := range border {
			copy(row[x*c:(x+1)*c], left)
			copy(row[(dst.width-1-x)*c:(dst.width-x)*c], right)
		}
	}

	return dst, nil
}

// Trim returns a copy of src without border pixels on every side.
// It is the inverse of Extend for the interior region.
func Trim(src *PixelBuffer, border int) (*PixelBuffer, error) {
	if err := src.valid(); err != nil {
		return nil, err
	}
	if border < 0 {
		return nil, fmt.Errorf("%w: negative border size %d", ErrInvalidArgument, border)
	}
	if border == 0 {
		return src.Clone(), nil
	}
	if 2*border >= src.width || 2*border >= src.height {
		return nil, fmt.Errorf("%w: border %d leaves no interior in %s", ErrInvalidArgument, border, src)
	}

	c := src.channels
	dst, err := NewPixelBuffer(src.width-2*border, src.height-2*border, c)
	if err != nil {
		return nil, err
	}
	for y := range dst.height {
		row := src.RowBytes(y + border)
		copy(dst.RowBytes(y), row[border*c:(border+dst.width)*c])
	}
	return dst, nil
}
