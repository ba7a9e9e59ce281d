package cmds

import (
	"fmt"
	"sort"

	"github.com/go-go-golems/stackctl/pkg/build"
	"github.com/go-go-golems/stackctl/pkg/events"
	"github.com/go-go-golems/stackctl/pkg/metrics"
	"github.com/go-go-golems/stackctl/pkg/stack"
	"github.com/spf13/cobra"
)

// newPipeline runs RUN steps in containers under the docker runtime, so
// package installs never touch the host.
func newPipeline(p *stack.Project, opts rootOptions, runtime string, bus *events.Bus, rec *metrics.Recorder) *build.Pipeline {
	var runner build.Runner = build.ExecRunner{}
	switch {
	case opts.DryRun:
		runner = build.SkipRunner{}
	case runtime == "docker":
		runner = build.NewDockerRunner()
	}
	return &build.Pipeline{Runner: runner, Store: p.Store(), Metrics: rec, Bus: bus}
}

func newBuildCmd() *cobra.Command {
	var (
		services []string
		runtime  string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build artifacts for services that declare a build",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			p, err := openProject(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if runtime == "" {
				runtime = p.Repo.Config.Runtime
			}
			pl := newPipeline(p, opts, runtime, nil, nil)
			arts, err := p.Build(cmd.Context(), pl, services, cmd.OutOrStdout(), cmd.ErrOrStderr())

			names := make([]string, 0, len(arts))
			for n := range arts {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				a := arts[n]
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d files\n", n, a.ID, len(a.Files))
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&services, "service", nil, "Service to build (repeatable, defaults to all)")
	cmd.Flags().StringVar(&runtime, "runtime", "", "Runtime the artifacts target: exec or docker (defaults to the project file)")
	return cmd
}
