package cmds

import (
	"os"
	"time"

	"github.com/go-go-golems/stackctl/pkg/watch"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var roots []string
	var ignore []string
	var debounce time.Duration
	var grace time.Duration
	var dir string

	cmd := &cobra.Command{
		Use:   "watch [flags] -- BUILD... ::: RUN...",
		Short: "Rebuild and restart a command whenever sources change",
		Long: "watch runs BUILD, then RUN, and repeats both whenever a file under the\n" +
			"watched roots changes. It is meant as the entrypoint of a development\n" +
			"container: stackctl watch -- go build -o bin/api ./cmd/api ::: bin/api",
		RunE: func(cmd *cobra.Command, args []string) error {
			build, run := watch.SplitArgs(args)
			if len(run) == 0 {
				return errors.New("missing run command")
			}
			if dir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				dir = wd
			}
			if len(roots) == 0 {
				roots = []string{dir}
			}
			target := &watch.CommandTarget{
				Build:  build,
				Run:    run,
				Dir:    dir,
				Grace:  grace,
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
			}
			w, err := watch.New(target, watch.Options{Roots: roots, Ignore: ignore, Debounce: debounce})
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringSliceVar(&roots, "root", nil, "Directory or file to watch (repeatable, defaults to --dir)")
	cmd.Flags().StringSliceVar(&ignore, "ignore", nil, "Glob of paths to ignore (repeatable)")
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "Quiet period before a rebuild")
	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "Grace period before the run command is killed")
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory for both commands")
	return cmd
}
