package cmds

import (
	"context"
	"fmt"

	"github.com/go-go-golems/stackctl/pkg/control"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	return serviceActionCmd("stop", "Stop a service; it stays down until started again",
		func(ctx context.Context, c *control.Client, name string) (*state.ServiceRecord, error) {
			return c.Stop(ctx, name)
		})
}

func newStartCmd() *cobra.Command {
	return serviceActionCmd("start", "Start a stopped service",
		func(ctx context.Context, c *control.Client, name string) (*state.ServiceRecord, error) {
			return c.Start(ctx, name)
		})
}

func serviceActionCmd(use, short string, fn func(context.Context, *control.Client, string) (*state.ServiceRecord, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " SERVICE...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			c, err := controlClient(ctx, opts)
			if err != nil {
				return err
			}
			for _, name := range args {
				rec, err := fn(ctx, c, name)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", rec.Name, rec.Phase)
			}
			return nil
		},
	}
}
