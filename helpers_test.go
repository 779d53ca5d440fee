package convolve

import (
	"math/rand/v2"
	"testing"
)

// randomBuffer returns a buffer filled with deterministic pseudo-random samples.
func randomBuffer(tb testing.TB, width, height, channels int, seed uint64) *PixelBuffer {
	tb.Helper()
	b, err := NewPixelBuffer(width, height, channels)
	if err != nil {
		tb.Fatalf("NewPixelBuffer(%d, %d, %d) = %v", width, height, channels, err)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range b.samples {
		b.samples[i] = byte(rng.UintN(256))
	}
	return b
}

// mustBuffer wraps samples or fails the test.
func mustBuffer(tb testing.TB, width, height, channels int, samples []byte) *PixelBuffer {
	tb.Helper()
	b, err := FromSamples(width, height, channels, samples)
	if err != nil {
		tb.Fatalf("FromSamples(%d, %d, %d) = %v", width, height, channels, err)
	}
	return b
}

// mustParseKernel parses a kernel or fails the test.
func mustParseKernel(tb testing.TB, s string) *Kernel {
	tb.Helper()
	k, err := ParseKernel(s)
	if err != nil {
		tb.Fatalf("ParseKernel(%q) = %v", s, err)
	}
	return k
}
