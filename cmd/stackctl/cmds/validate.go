package cmds

import (
	"fmt"

	"github.com/go-go-golems/stackctl/pkg/stack"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var strictPorts bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load every environment's topology, recipes and settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			repo, err := repositoryFor(opts)
			if err != nil {
				return err
			}
			modes := repo.Modes()
			if opts.Mode != "" {
				modes = []string{opts.Mode}
			}
			if len(modes) == 0 {
				return errors.New("no environments found (add stackctl.yaml or a compose file)")
			}

			out := cmd.OutOrStdout()
			problems := 0
			var loaded []*stack.Project
			for _, mode := range modes {
				o := opts
				o.Mode = mode
				p, err := openProject(cmd.Context(), o)
				if err != nil {
					problems++
					_, _ = fmt.Fprintf(out, "✗ %s: %v\n", mode, err)
					continue
				}
				ok := true
				for _, name := range p.BuiltServices() {
					if _, err := p.Recipe(name); err != nil {
						ok = false
						problems++
						_, _ = fmt.Fprintf(out, "✗ %s/%s: %v\n", mode, name, err)
					}
				}
				if ok {
					_, _ = fmt.Fprintf(out, "✓ %s: %d services, settings %s\n", mode, len(p.Topology.Services), p.Settings.OverlayPath)
				}
				loaded = append(loaded, p)
			}

			for i := 0; i < len(loaded); i++ {
				for j := i + 1; j < len(loaded); j++ {
					a, b := loaded[i], loaded[j]
					for _, o := range a.Topology.PortOverlaps(b.Topology) {
						_, _ = fmt.Fprintf(out, "⚠ %s and %s both publish host port %d/%s (%s, %s); they cannot run at the same time\n",
							a.Mode, b.Mode, o.Host, o.Protocol, o.Left, o.Right)
						if strictPorts {
							problems++
						}
					}
				}
			}

			if problems > 0 {
				return errors.Errorf("%d problem(s) found", problems)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strictPorts, "strict-ports", false, "Fail when environments publish the same host port")
	return cmd
}
