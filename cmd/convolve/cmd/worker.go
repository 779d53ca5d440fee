package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/gogpu/convolve"
	"github.com/gogpu/convolve/internal/cluster"
	"github.com/gogpu/convolve/internal/metrics"
)

func newWorkerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Join a distributed run as a non-coordinator rank",
		Long: `Join the process group of a distributed run, convolve the rows rank 0
sends and return them.

Membership comes from the cluster section of --config, or else from
CONVOLVE_RANK, CONVOLVE_SIZE and CONVOLVE_COORDINATOR (OMPI_COMM_WORLD_* and
PMI_* are also read). The kernel is taken from the coordinator.

Example:
  CONVOLVE_RANK=1 CONVOLVE_SIZE=2 CONVOLVE_COORDINATOR=node0:7070 convolve worker`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.worker(cmd.Context())
		},
	}
}

func (a *app) worker(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	env, err := a.cfg.EnvConfig(a.getenv)
	if err != nil {
		return err
	}
	if env.Rank == cluster.Root {
		return errors.New("worker: rank 0 is the coordinator, start it with 'convolve run'")
	}

	comm, err := a.connect(ctx, env)
	if err != nil {
		return err
	}
	defer comm.Close()

	rec := metrics.NewRecorder()
	local, closeLocal, err := newBackend(a.cfg, rankBackend(a.cfg), rec)
	if err != nil {
		return err
	}
	defer closeLocal()

	d, err := convolve.NewDistributed(comm, convolve.WithLocalBackend(local), convolve.WithObserver(rec))
	if err != nil {
		return err
	}
	if _, err := d.Run(ctx, nil, nil); err != nil {
		return err
	}
	a.log.WithField("rank", env.Rank).Info("worker finished")
	return nil
}
