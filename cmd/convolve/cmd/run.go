package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gogpu/convolve"
	"github.com/gogpu/convolve/internal/cluster"
	"github.com/gogpu/convolve/internal/codec"
	"github.com/gogpu/convolve/internal/config"
	"github.com/gogpu/convolve/internal/metrics"
)

// runFlags are the run command's overrides of the configuration.
type runFlags struct {
	input  string
	output string

	filter    string
	custom    string
	normalize bool
	border    string

	backend     string
	workers     int
	rowsPerTask int
	localRanks  int

	jpegQuality     int
	metricsTextfile string
}

func newRunCommand(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Convolve an image file",
		Long: `Convolve an image file and write the result.

The image is padded by the kernel half-width using the border mode, so the
output has the input's size. Flags override values from --config.

Examples:
  convolve run -i in.png -o out.png --filter gaussian-5x5
  convolve run -i in.png -o out.png --custom "0,-1,0;-1,5,-1;0,-1,0" --backend pool --workers 8
  convolve run -i in.png -o out.png --backend distributed --local-ranks 4
  mpirun -n 4 convolve run -i in.png -o out.png --backend distributed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.apply(cmd, a.cfg); err != nil {
				return err
			}
			return a.run(cmd.Context(), f.input, f.output, cmd.OutOrStdout())
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.input, "input", "i", "", "input image (png, jpeg, bmp, tiff)")
	fl.StringVarP(&f.output, "output", "o", "", "output image; format from extension")
	fl.StringVarP(&f.filter, "filter", "f", "", "built-in kernel name (see 'convolve presets')")
	fl.StringVar(&f.custom, "custom", "", `custom kernel rows, e.g. "1,2,1;2,4,2;1,2,1"`)
	fl.BoolVar(&f.normalize, "normalize", false, "divide kernel weights by their sum")
	fl.StringVar(&f.border, "border", "", "border mode: zero or replicate")
	fl.StringVarP(&f.backend, "backend", "b", "", "backend: sequential, pool or distributed")
	fl.IntVarP(&f.workers, "workers", "w", 0, "worker goroutines for the pool backend")
	fl.IntVar(&f.rowsPerTask, "rows-per-task", 0, "rows per pool task")
	fl.IntVar(&f.localRanks, "local-ranks", 0, "run a distributed backend with this many in-process ranks")
	fl.IntVar(&f.jpegQuality, "jpeg-quality", 0, "JPEG output quality 1-100")
	fl.StringVar(&f.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file")
	cmd.MarkFlagsMutuallyExclusive("filter", "custom")
	return cmd
}

// apply copies the flags the user set onto cfg and validates the result.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	fl := cmd.Flags()
	if fl.Changed("filter") {
		cfg.Filter = f.filter
		cfg.CustomKernel = ""
	}
	if fl.Changed("custom") {
		cfg.CustomKernel = f.custom
	}
	if fl.Changed("normalize") {
		cfg.Normalize = f.normalize
	}
	if fl.Changed("border") {
		cfg.Border = f.border
	}
	if fl.Changed("backend") {
		cfg.Backend = f.backend
	}
	if fl.Changed("workers") {
		cfg.Workers = f.workers
	}
	if fl.Changed("rows-per-task") {
		cfg.RowsPerTask = f.rowsPerTask
	}
	if fl.Changed("local-ranks") {
		cfg.Backend = config.BackendDistributed
		cfg.Cluster.Local = true
		cfg.Cluster.Size = f.localRanks
		cfg.Cluster.Rank = cluster.Root
	}
	if fl.Changed("jpeg-quality") {
		cfg.JPEGQuality = f.jpegQuality
	}
	if fl.Changed("metrics-textfile") {
		cfg.Metrics.Textfile = f.metricsTextfile
	}
	return cfg.Validate()
}

func (a *app) run(ctx context.Context, input, output string, stdout io.Writer) error {
	cfg := a.cfg
	k, err := cfg.Kernel()
	if err != nil {
		return err
	}
	mode, err := cfg.BorderMode()
	if err != nil {
		return err
	}
	rec := metrics.NewRecorder()

	var res *convolve.PixelBuffer
	switch {
	case cfg.Backend != config.BackendDistributed:
		res, err = a.runLocal(ctx, input, output, k, mode, rec)
	case cfg.Cluster.Local:
		res, err = a.runLocalGroup(ctx, input, output, k, mode, rec)
	default:
		res, err = a.runCluster(ctx, input, output, k, mode, rec)
	}
	if err != nil {
		return err
	}
	if res == nil {
		// Non-coordinator rank: the coordinator writes the output.
		return nil
	}

	if err := codec.Save(output, res, codec.Options{JPEGQuality: cfg.JPEGQuality}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s (%dx%d, %d channels)\n", output, res.Width(), res.Height(), res.Channels())

	if cfg.Metrics.Textfile != "" {
		if err := rec.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) runLocal(ctx context.Context, input, output string, k *convolve.Kernel, mode convolve.BorderMode, rec *metrics.Recorder) (*convolve.PixelBuffer, error) {
	img, err := loadInput(input, output)
	if err != nil {
		return nil, err
	}
	b, closeBackend, err := newBackend(a.cfg, a.cfg.Backend, rec)
	if err != nil {
		return nil, err
	}
	defer closeBackend()
	return convolve.Filter(ctx, img, k, b, mode)
}

// runLocalGroup runs every rank of a distributed backend as a goroutine.
func (a *app) runLocalGroup(ctx context.Context, input, output string, k *convolve.Kernel, mode convolve.BorderMode, rec *metrics.Recorder) (*convolve.PixelBuffer, error) {
	img, err := loadInput(input, output)
	if err != nil {
		return nil, err
	}
	var res *convolve.PixelBuffer
	err = cluster.RunLocal(ctx, a.cfg.Cluster.Size, func(ctx context.Context, comm *cluster.LocalComm) error {
		var in *convolve.PixelBuffer
		if comm.Rank() == cluster.Root {
			in = img
		}
		out, err := a.filterDistributed(ctx, comm, in, k, mode, rec)
		if comm.Rank() == cluster.Root {
			res = out
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// runCluster joins the process group from the configuration or the
// launcher environment. Only rank 0 reads the input.
func (a *app) runCluster(ctx context.Context, input, output string, k *convolve.Kernel, mode convolve.BorderMode, rec *metrics.Recorder) (*convolve.PixelBuffer, error) {
	env, err := a.cfg.EnvConfig(a.getenv)
	if err != nil {
		return nil, err
	}
	comm, err := a.connect(ctx, env)
	if err != nil {
		return nil, err
	}
	defer comm.Close()

	var img *convolve.PixelBuffer
	if comm.Rank() == cluster.Root {
		if img, err = loadInput(input, output); err != nil {
			comm.Abort(err)
			return nil, err
		}
	}
	return a.filterDistributed(ctx, comm, img, k, mode, rec)
}

func (a *app) connect(ctx context.Context, env cluster.EnvConfig) (cluster.Comm, error) {
	log := a.log.WithFields(logrus.Fields{
		"rank":        env.Rank,
		"size":        env.Size,
		"coordinator": env.Coordinator,
	})
	log.Debug("joining process group")
	comm, err := cluster.Connect(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("join process group: %w", err)
	}
	log.Info("joined process group")
	return comm, nil
}

func (a *app) filterDistributed(ctx context.Context, comm convolve.Collective, img *convolve.PixelBuffer, k *convolve.Kernel, mode convolve.BorderMode, rec *metrics.Recorder) (*convolve.PixelBuffer, error) {
	local, closeLocal, err := newBackend(a.cfg, rankBackend(a.cfg), rec)
	if err != nil {
		return nil, err
	}
	defer closeLocal()

	d, err := convolve.NewDistributed(comm, convolve.WithLocalBackend(local), convolve.WithObserver(rec))
	if err != nil {
		return nil, err
	}
	return convolve.Filter(ctx, img, k, d, mode)
}

// rankBackend picks the backend each rank of a distributed run uses for
// its own slice: the pool when more than one worker is configured.
func rankBackend(cfg *config.Config) string {
	if cfg.Workers > 1 {
		return config.BackendPool
	}
	return config.BackendSequential
}

func newBackend(cfg *config.Config, name string, rec *metrics.Recorder) (convolve.Backend, func(), error) {
	switch name {
	case config.BackendSequential:
		return convolve.NewSequential(convolve.WithObserver(rec)), func() {}, nil
	case config.BackendPool:
		b, err := convolve.NewPoolBackend(cfg.Workers,
			convolve.WithRowsPerTask(cfg.RowsPerTask), convolve.WithObserver(rec))
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q is not a local backend", config.ErrInvalidConfig, name)
	}
}

func loadInput(input, output string) (*convolve.PixelBuffer, error) {
	if input == "" || output == "" {
		return nil, errors.New("--input and --output are required")
	}
	if _, err := codec.FormatFromPath(output); err != nil {
		return nil, err
	}
	return codec.Load(input)
}
