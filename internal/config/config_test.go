package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/convolve"
	"github.com/gogpu/convolve/internal/cluster"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	k, err := cfg.Kernel()
	require.NoError(t, err)
	assert.True(t, k.Equal(convolve.LowPass3x3.Kernel()))

	mode, err := cfg.BorderMode()
	require.NoError(t, err)
	assert.Equal(t, convolve.BorderReplicate, mode)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "convolve.yaml")
	yamlText := `
backend: pool
workers: 8
rows_per_task: 16
border: zero
filter: high-pass-5x5
cluster:
  coordinator: 10.1.2.3:7000
logging:
  level: debug
  format: json
metrics:
  textfile: /tmp/convolve.prom
`
	require.NoError(t, os.WriteFile(path, []byte(yamlText), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendPool, cfg.Backend)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 16, cfg.RowsPerTask)
	assert.Equal(t, "10.1.2.3:7000", cfg.Cluster.Coordinator)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/tmp/convolve.prom", cfg.Metrics.Textfile)
	assert.Equal(t, 100, cfg.JPEGQuality, "unset fields keep defaults")

	k, err := cfg.Kernel()
	require.NoError(t, err)
	assert.True(t, k.Equal(convolve.HighPass5x5.Kernel()))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("workers: [1, 2"), 0o600))
	_, err = Load(bad)
	require.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("backend: gpu\n"), 0o600))
	_, err = Load(invalid)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.yaml")
	cfg := Default()
	cfg.Backend = BackendDistributed
	cfg.Cluster = Cluster{Coordinator: "127.0.0.1:9999", Rank: 1, Size: 3}
	cfg.CustomKernel = "0,-1,0;-1,5,-1;0,-1,0"

	require.NoError(t, Save(cfg, path))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Backend = "gpu"
	cfg.Workers = 0
	cfg.RowsPerTask = 0
	cfg.Border = "wrap"
	cfg.Filter = "sharpen"
	cfg.JPEGQuality = 0
	cfg.Cluster.Size = 2
	cfg.Cluster.Rank = 2
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{"backend", "workers", "rows_per_task", "border", "sharpen", "jpeg_quality", "cluster.rank", "logging.format"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestKernelCustomAndNormalize(t *testing.T) {
	cfg := Default()
	cfg.CustomKernel = "1,2,1;2,4,2;1,2,1"
	k, err := cfg.Kernel()
	require.NoError(t, err)
	assert.InDelta(t, 16, k.Sum(), 1e-6)

	cfg.Normalize = true
	k, err = cfg.Kernel()
	require.NoError(t, err)
	assert.InDelta(t, 1, k.Sum(), 1e-6)

	cfg.CustomKernel = "-1,-1,-1;-1,8,-1;-1,-1,-1"
	_, err = cfg.Kernel()
	assert.ErrorIs(t, err, convolve.ErrInvalidArgument, "zero-sum kernels cannot be normalized")
}

func TestEnvConfig(t *testing.T) {
	env := map[string]string{"OMPI_COMM_WORLD_RANK": "2", "OMPI_COMM_WORLD_SIZE": "4"}
	getenv := func(k string) string { return env[k] }

	cfg := Default()
	cfg.Cluster.Coordinator = "node0:7000"
	got, err := cfg.EnvConfig(getenv)
	require.NoError(t, err)
	assert.Equal(t, cluster.EnvConfig{Rank: 2, Size: 4, Coordinator: "node0:7000"}, got)

	env["CONVOLVE_COORDINATOR"] = "node9:1"
	got, err = cfg.EnvConfig(getenv)
	require.NoError(t, err)
	assert.Equal(t, "node9:1", got.Coordinator)

	cfg.Cluster.Size = 2
	cfg.Cluster.Rank = 1
	got, err = cfg.EnvConfig(getenv)
	require.NoError(t, err)
	assert.Equal(t, cluster.EnvConfig{Rank: 1, Size: 2, Coordinator: "node0:7000"}, got)
}
