package cluster

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// Comm is a collective endpoint that owns transport resources.
type Comm interface {
	Rank() int
	Size() int
	Broadcast(ctx context.Context, data []byte) ([]byte, error)
	Scatter(ctx context.Context, parts [][]byte) ([]byte, error)
	Gather(ctx context.Context, part []byte) ([][]byte, error)
	Abort(cause error)
	Close() error
}

// DefaultCoordinator is the root address used when none is configured.
const DefaultCoordinator = "127.0.0.1:7070"

// Environment variables read by FromEnv. The launcher-specific names are
// fallbacks so the binary runs unchanged under mpirun or srun-style PMI.
var (
	rankVars        = []string{"CONVOLVE_RANK", "OMPI_COMM_WORLD_RANK", "PMI_RANK"}
	sizeVars        = []string{"CONVOLVE_SIZE", "OMPI_COMM_WORLD_SIZE", "PMI_SIZE"}
	coordinatorVars = []string{"CONVOLVE_COORDINATOR"}
)

// EnvConfig is the group membership of this process.
type EnvConfig struct {
	Rank        int
	Size        int
	Coordinator string
}

// LoadEnv reads the group membership through getenv. Unset variables give a
// single-process group at DefaultCoordinator.
func LoadEnv(getenv func(string) string) (EnvConfig, error) {
	cfg := EnvConfig{Rank: 0, Size: 1, Coordinator: DefaultCoordinator}

	var err error
	if cfg.Rank, err = lookupInt(getenv, rankVars, cfg.Rank); err != nil {
		return EnvConfig{}, err
	}
	if cfg.Size, err = lookupInt(getenv, sizeVars, cfg.Size); err != nil {
		return EnvConfig{}, err
	}
	if v, _ := lookup(getenv, coordinatorVars); v != "" {
		cfg.Coordinator = v
	}
	if err := checkGroup(cfg.Rank, cfg.Size); err != nil {
		return EnvConfig{}, err
	}
	return cfg, nil
}

func lookup(getenv func(string) string, names []string) (string, string) {
	for _, name := range names {
		if v := getenv(name); v != "" {
			return v, name
		}
	}
	return "", ""
}

func lookupInt(getenv func(string) string, names []string, def int) (int, error) {
	v, name := lookup(getenv, names)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %w", ErrInvalidGroup, name, v, err)
	}
	return n, nil
}

// Connect joins the group described by cfg: a single-rank group stays in
// process, rank 0 listens on the coordinator address, every other rank dials it.
func Connect(ctx context.Context, cfg EnvConfig) (Comm, error) {
	if err := checkGroup(cfg.Rank, cfg.Size); err != nil {
		return nil, err
	}
	if cfg.Size == 1 {
		comms, err := NewLocalGroup(1)
		if err != nil {
			return nil, err
		}
		return comms[0], nil
	}
	if cfg.Rank == Root {
		return Listen(ctx, cfg.Coordinator, cfg.Size)
	}
	return Dial(ctx, cfg.Coordinator, cfg.Rank, cfg.Size)
}

// FromEnv joins the group described by the process environment.
func FromEnv(ctx context.Context) (Comm, error) {
	cfg, err := LoadEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, cfg)
}
