package convolve

import (
	"context"
	"fmt"
)

// Filter pads img by the kernel half-width, convolves it with backend b and
// trims the padding again, so the result has the shape of img and every
// pixel is convolved.
//
// For a Distributed backend only the coordinator passes an image; other
// ranks pass nil and get (nil, nil) back. When the padded height is not a
// multiple of the rank count the distributed result loses its trailing
// rows, as described on Distributed.
func Filter(ctx context.Context, img *PixelBuffer, k *Kernel, b Backend, mode BorderMode) (*PixelBuffer, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidArgument)
	}
	if img == nil {
		return b.Run(ctx, nil, k)
	}
	if k == nil {
		return nil, fmt.Errorf("%w: nil kernel", ErrInvalidArgument)
	}

	border := k.HalfWidth()
	padded, err := Extend(img, border, mode)
	if err != nil {
		return nil, err
	}
	out, err := b.Run(ctx, padded, k)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return Trim(out, border)
}
