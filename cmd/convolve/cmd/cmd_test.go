package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/convolve"
	"github.com/gogpu/convolve/internal/cluster"
	"github.com/gogpu/convolve/internal/codec"
	"github.com/gogpu/convolve/internal/config"
)

// execute runs the command tree with args and returns stdout.
func execute(ctx context.Context, getenv func(string) string, args ...string) (string, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	root := newRootCommand(getenv)
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), err
}

// writeTestImage saves a deterministic RGB gradient with some noise.
func writeTestImage(t *testing.T, dir string, w, h int) (string, *convolve.PixelBuffer) {
	t.Helper()
	img, err := convolve.NewPixelBuffer(w, h, 3)
	require.NoError(t, err)
	for y := range h {
		for x := range w {
			require.NoError(t, img.SetPixel(x, y,
				byte(x*255/w), byte(y*255/h), byte((x*31+y*17)%256)))
		}
	}
	path := filepath.Join(dir, "in.png")
	require.NoError(t, codec.Save(path, img, codec.Options{}))
	return path, img
}

func TestPresetsCommand(t *testing.T) {
	out, err := execute(t.Context(), nil, "presets")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	for _, p := range convolve.Presets() {
		assert.Contains(t, out, p.String())
	}
	assert.Contains(t, out, "5x5")
}

func TestRunMatchesLibrary(t *testing.T) {
	dir := t.TempDir()
	in, img := writeTestImage(t, dir, 20, 14)
	outPath := filepath.Join(dir, "out.png")

	stdout, err := execute(t.Context(), nil, "run", "-i", in, "-o", outPath,
		"--filter", "gaussian-3x3", "--border", "zero")
	require.NoError(t, err)
	assert.Contains(t, stdout, "wrote "+outPath)

	want, err := convolve.Filter(t.Context(), img, convolve.Gaussian3x3.Kernel(), convolve.NewSequential(), convolve.BorderZero)
	require.NoError(t, err)
	got, err := codec.Load(outPath)
	require.NoError(t, err)
	assert.True(t, want.Equal(got), "CLI output differs from library output")
}

func TestRunBackendsAgree(t *testing.T) {
	dir := t.TempDir()
	// 14 rows plus a 1-row border on each side splits evenly over 2 ranks.
	in, _ := writeTestImage(t, dir, 17, 14)

	runs := map[string][]string{
		"sequential":  {"--backend", "sequential"},
		"pool":        {"--backend", "pool", "--workers", "3", "--rows-per-task", "2"},
		"distributed": {"--local-ranks", "2", "--workers", "1"},
		"hybrid":      {"--local-ranks", "2", "--workers", "2"},
	}
	results := make(map[string]*convolve.PixelBuffer)
	for name, extra := range runs {
		outPath := filepath.Join(dir, name+".bmp")
		args := append([]string{"run", "-i", in, "-o", outPath, "--custom", "0,-1,0;-1,5,-1;0,-1,0"}, extra...)
		_, err := execute(t.Context(), nil, args...)
		require.NoError(t, err, name)
		results[name], err = codec.Load(outPath)
		require.NoError(t, err, name)
	}
	for name, got := range results {
		assert.True(t, results["sequential"].Equal(got), "%s differs from sequential", name)
	}
}

func TestRunWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	in, _ := writeTestImage(t, dir, 12, 12)
	prom := filepath.Join(dir, "convolve.prom")
	cfgPath := filepath.Join(dir, "convolve.yaml")
	cfg := config.Default()
	cfg.Backend = config.BackendPool
	cfg.Workers = 2
	cfg.Filter = "LowPass5x5"
	cfg.Metrics.Textfile = prom
	cfg.Logging.Format = "json"
	require.NoError(t, config.Save(cfg, cfgPath))

	_, err := execute(t.Context(), nil, "run", "-c", cfgPath, "-i", in, "-o", filepath.Join(dir, "out.tiff"))
	require.NoError(t, err)

	data, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(data), `convolve_runs_total{backend="pool",status="success"} 1`)
	assert.Contains(t, string(data), `convolve_rows_processed_total{backend="pool"} 12`)
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	in, _ := writeTestImage(t, dir, 8, 8)
	out := filepath.Join(dir, "out.png")

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{"missing input", []string{"run", "-o", out}, nil},
		{"unknown backend", []string{"run", "-i", in, "-o", out, "--backend", "gpu"}, config.ErrInvalidConfig},
		{"bad custom kernel", []string{"run", "-i", in, "-o", out, "--custom", "1,2;3,4"}, config.ErrInvalidConfig},
		{"filter and custom", []string{"run", "-i", in, "-o", out, "--filter", "LowPass3x3", "--custom", "1"}, nil},
		{"unsupported output", []string{"run", "-i", in, "-o", filepath.Join(dir, "out.gif")}, codec.ErrUnsupportedFormat},
		{"missing config", []string{"run", "-c", filepath.Join(dir, "none.yaml"), "-i", in, "-o", out}, nil},
		{"bad log level", []string{"--log-level", "loud", "presets"}, nil},
		{"zero local ranks", []string{"run", "-i", in, "-o", out, "--local-ranks", "0"}, config.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t.Context(), nil, tt.args...)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestWorkerRejectsRootRank(t *testing.T) {
	_, err := execute(t.Context(), nil, "worker")
	assert.ErrorContains(t, err, "rank 0")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunWithTCPWorker(t *testing.T) {
	dir := t.TempDir()
	in, img := writeTestImage(t, dir, 16, 22)
	outPath := filepath.Join(dir, "out.png")
	addr := freeAddr(t)

	envFor := func(rank int) func(string) string {
		env := map[string]string{
			"CONVOLVE_RANK":        fmt.Sprint(rank),
			"CONVOLVE_SIZE":        "2",
			"CONVOLVE_COORDINATOR": addr,
		}
		return func(k string) string { return env[k] }
	}

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := execute(gctx, envFor(cluster.Root), "run", "-i", in, "-o", outPath,
			"--backend", "distributed", "--filter", "HighPass3x3", "--workers", "1")
		return err
	})
	g.Go(func() error {
		_, err := execute(gctx, envFor(1), "worker")
		return err
	})
	require.NoError(t, g.Wait())

	want, err := convolve.Filter(t.Context(), img, convolve.HighPass3x3.Kernel(), convolve.NewSequential(), convolve.BorderReplicate)
	require.NoError(t, err)
	got, err := codec.Load(outPath)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}
