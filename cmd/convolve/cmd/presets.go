package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gogpu/convolve"
)

func newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List built-in filter kernels",
		Long: `List the built-in kernels accepted by --filter.

Names match ignoring case, '-' and '_', so "gaussian-5x5" selects Gaussian5x5.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tSUM\tWEIGHTS")
			for _, p := range convolve.Presets() {
				k := p.Kernel()
				fmt.Fprintf(w, "%s\t%dx%d\t%s\t%s\n",
					p, k.Size(), k.Size(), strconv.FormatFloat(k.Sum(), 'g', 4, 64), k)
			}
			return w.Flush()
		},
	}
}
