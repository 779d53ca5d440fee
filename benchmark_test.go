package convolve

import (
	"context"
	"fmt"
	"testing"

	"github.com/gogpu/convolve/internal/cluster"
)

var benchSizes = []struct {
	name   string
	width  int
	height int
}{
	{"256x256", 256, 256},
	{"1024x768", 1024, 768},
	{"1920x1080", 1920, 1080},
}

// BenchmarkSequential measures the single-threaded baseline.
func BenchmarkSequential(b *testing.B) {
	for _, size := range benchSizes {
		b.Run(size.name, func(b *testing.B) {
			img := randomBuffer(b, size.width, size.height, RGB, 1)
			k := LowPass3x3.Kernel()
			s := NewSequential()
			b.SetBytes(int64(len(img.Samples())))
			b.ReportAllocs()
			for b.Loop() {
				if _, err := s.Run(context.Background(), img, k); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkPool compares worker counts and band heights.
func BenchmarkPool(b *testing.B) {
	img := randomBuffer(b, 1920, 1080, RGB, 2)
	k := LowPass5x5.Kernel()
	for _, workers := range []int{1, 2, 4, 8} {
		for _, rows := range []int{1, 16} {
			b.Run(fmt.Sprintf("workers=%d/rows=%d", workers, rows), func(b *testing.B) {
				pool, err := NewPoolBackend(workers, WithRowsPerTask(rows))
				if err != nil {
					b.Fatal(err)
				}
				defer pool.Close()
				b.SetBytes(int64(len(img.Samples())))
				b.ReportAllocs()
				for b.Loop() {
					if _, err := pool.Run(context.Background(), img, k); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

// BenchmarkDistributedLocal measures the row split and collective overhead
// with in-process ranks.
func BenchmarkDistributedLocal(b *testing.B) {
	img := randomBuffer(b, 1024, 768, RGB, 3)
	k := LowPass3x3.Kernel()
	for _, ranks := range []int{1, 2, 4} {
		b.Run(fmt.Sprintf("ranks=%d", ranks), func(b *testing.B) {
			b.SetBytes(int64(len(img.Samples())))
			for b.Loop() {
				err := cluster.RunLocal(context.Background(), ranks, func(ctx context.Context, comm *cluster.LocalComm) error {
					d, err := NewDistributed(comm)
					if err != nil {
						return err
					}
					if comm.Rank() == 0 {
						_, err = d.Run(ctx, img, k)
					} else {
						_, err = d.Run(ctx, nil, nil)
					}
					return err
				})
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkApplyAt measures one kernel evaluation per kernel size.
func BenchmarkApplyAt(b *testing.B) {
	img := randomBuffer(b, 16, 16, RGBA, 4)
	out := make([]byte, RGBA)
	for _, p := range []Preset{LowPass3x3, LowPass5x5} {
		b.Run(p.String(), func(b *testing.B) {
			k := p.Kernel()
			for b.Loop() {
				ApplyAt(img, k, 8, 8, out)
			}
		})
	}
}
