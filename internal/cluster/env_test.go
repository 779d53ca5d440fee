package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFunc(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want EnvConfig
	}{
		{
			name: "defaults",
			env:  nil,
			want: EnvConfig{Rank: 0, Size: 1, Coordinator: DefaultCoordinator},
		},
		{
			name: "explicit",
			env:  map[string]string{"CONVOLVE_RANK": "2", "CONVOLVE_SIZE": "4", "CONVOLVE_COORDINATOR": "10.0.0.1:9000"},
			want: EnvConfig{Rank: 2, Size: 4, Coordinator: "10.0.0.1:9000"},
		},
		{
			name: "open mpi",
			env:  map[string]string{"OMPI_COMM_WORLD_RANK": "1", "OMPI_COMM_WORLD_SIZE": "3"},
			want: EnvConfig{Rank: 1, Size: 3, Coordinator: DefaultCoordinator},
		},
		{
			name: "pmi",
			env:  map[string]string{"PMI_RANK": "0", "PMI_SIZE": "8"},
			want: EnvConfig{Rank: 0, Size: 8, Coordinator: DefaultCoordinator},
		},
		{
			name: "convolve wins over launcher",
			env:  map[string]string{"CONVOLVE_RANK": "1", "OMPI_COMM_WORLD_RANK": "5", "CONVOLVE_SIZE": "2"},
			want: EnvConfig{Rank: 1, Size: 2, Coordinator: DefaultCoordinator},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadEnv(envFunc(tt.env))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadEnvErrors(t *testing.T) {
	tests := map[string]map[string]string{
		"not a number":  {"CONVOLVE_RANK": "one"},
		"rank too big":  {"CONVOLVE_RANK": "3", "CONVOLVE_SIZE": "3"},
		"negative rank": {"CONVOLVE_RANK": "-1"},
		"zero size":     {"CONVOLVE_SIZE": "0"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadEnv(envFunc(env))
			assert.ErrorIs(t, err, ErrInvalidGroup)
		})
	}
}

func TestConnectSingleRank(t *testing.T) {
	c, err := Connect(context.Background(), EnvConfig{Rank: 0, Size: 1, Coordinator: DefaultCoordinator})
	require.NoError(t, err)
	defer c.Close()
	assert.IsType(t, &LocalComm{}, c)
	assert.Equal(t, 1, c.Size())
}

func TestConnectTCP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Reserve a port, then release it for Connect to bind.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	worker := make(chan error, 1)
	go func() {
		c, err := Connect(ctx, EnvConfig{Rank: 1, Size: 2, Coordinator: addr})
		if err == nil {
			_, err = c.Broadcast(ctx, nil)
			_ = c.Close()
		}
		worker <- err
	}()

	root, err := Connect(ctx, EnvConfig{Rank: 0, Size: 2, Coordinator: addr})
	require.NoError(t, err)
	defer root.Close()
	_, err = root.Broadcast(ctx, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, <-worker)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CONVOLVE_RANK", "0")
	t.Setenv("CONVOLVE_SIZE", "1")
	c, err := FromEnv(context.Background())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 0, c.Rank())
}
