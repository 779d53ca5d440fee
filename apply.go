package convolve

// ApplyAt evaluates the kernel at pixel (x, y) of src and writes one pixel
// into out, which must hold at least src.Channels() samples.
//
// (x, y) are coordinates in the padded image: the footprint
// [y-h, y+h] x [x-h, x+h] must lie inside src, where h = k.HalfWidth().
// Violating this panics with an index error.
//
// Color channels are accumulated in float32, truncated toward zero and then
// clamped to [0, 255]. The alpha channel of an RGBA image is copied from
// src at (x, y) unchanged.
func ApplyAt(src *PixelBuffer, k *Kernel, x, y int, out []byte) {
	c := src.channels
	n := convolvedChannels(c)
	h := k.size / 2
	stride := src.width * c

	var sum [RGB]float32
	for ky := range k.size {
		rowOff := (y+ky-h)*stride + (x-h)*c
		weights := k.weights[ky*k.size : (ky+1)*k.size]
		for kx, w := range weights {
			px := src.samples[rowOff+kx*c : rowOff+kx*c+n]
			for ch, v := range px {
				// The explicit conversion rounds the product and forbids FMA fusion.
				sum[ch] += float32(float32(v) * w)
			}
		}
	}

	for ch := range n {
		out[ch] = truncClamp(sum[ch])
	}
	if c == RGBA {
		out[alphaChannel] = src.samples[(y*src.width+x)*c+alphaChannel]
	}
}

// truncClamp converts an accumulated sum to a sample: truncate toward zero,
// then clamp to [0, 255]. -0.7 becomes 0 and 14.9 becomes 14.
func truncClamp(v float32) byte {
	if v != v { // NaN from a NaN weight
		return 0
	}
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return byte(int32(v))
}

// convolveRows writes the convolution of rows [y0, y1) of src into dst.
// Rows and columns closer than the kernel half-width to an edge are left
// untouched, so dst must already hold the passthrough values.
// src and dst must have the same shape; only rows [y0, y1) of dst are written.
func convolveRows(src, dst *PixelBuffer, k *Kernel, y0, y1 int) {
	h := k.HalfWidth()
	lo := max(y0, h)
	hi := min(y1, src.height-h)
	c := src.channels
	for y := lo; y < hi; y++ {
		row := dst.RowBytes(y)
		for x := h; x < src.width-h; x++ {
			ApplyAt(src, k, x, y, row[x*c:(x+1)*c])
		}
	}
}

// convolvedRowCount returns how many rows a full pass writes for an image
// of the given height.
func convolvedRowCount(height int, k *Kernel) int {
	return max(0, height-2*k.HalfWidth())
}
