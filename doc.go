// Package convolve applies square convolution kernels to 8-bit raster
// images, sequentially, on a shared-memory worker pool, or across a group
// of processes.
//
// # Quick Start
//
//	img, _ := convolve.NewPixelBuffer(640, 480, convolve.RGB)
//	k := convolve.LowPass3x3.Kernel()
//	out, err := convolve.Filter(ctx, img, k, convolve.NewSequential(), convolve.BorderReplicate)
//
// # Images
//
// A PixelBuffer holds width*height pixels of 1 (gray), 3 (RGB) or 4 (RGBA)
// interleaved byte samples in row-major order. The alpha channel of an
// RGBA image is never convolved; it is copied from the source pixel.
//
// # Borders
//
// Backends do not pad. Run convolves rows and columns that are at least the
// kernel half-width away from every edge and copies the rest unchanged.
// Extend adds a zero or replicated border first; Filter wraps the
// Extend, Run and Trim sequence.
//
// # Backends
//
//   - Sequential: single goroutine, the reference result.
//   - PoolBackend: row bands on a fixed worker pool.
//   - Distributed: horizontal slices on the ranks of a Collective, each
//     slice convolved by a local backend (Sequential by default).
//
// All backends produce byte-identical output for the same input, except
// that Distributed drops the last H mod P rows of an image of height H
// split across P ranks.
//
// # Numerics
//
// Products are accumulated in float32 in kernel row-major order, then
// truncated toward zero and clamped to [0, 255].
//
// # Logging
//
// The package logs through log/slog and is silent by default. Use SetLogger
// to enable output.
package convolve

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
