package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var stderr bool
	var follow bool
	var lines int

	cmd := &cobra.Command{
		Use:   "logs SERVICE",
		Short: "Print a service's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			dir, err := stateDir(opts)
			if err != nil {
				return err
			}
			path := logPath(dir, args[0], stderr)

			tail, err := state.TailLines(path, lines, 2<<20)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return errors.Errorf("no log for service %s at %s", args[0], path)
				}
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range tail {
				_, _ = fmt.Fprintln(out, l)
			}
			if !follow {
				return nil
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return followFile(ctx, path, out, 250*time.Millisecond)
		},
	}

	cmd.Flags().BoolVar(&stderr, "stderr", false, "Show stderr instead of stdout")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to print first")
	return cmd
}

// logPath prefers the path recorded in the state file and falls back to the
// supervisor's naming scheme.
func logPath(dir, service string, stderr bool) string {
	if st, err := state.Load(dir); err == nil {
		if rec, ok := st.Service(service); ok {
			if stderr && rec.StderrLog != "" {
				return rec.StderrLog
			}
			if !stderr && rec.StdoutLog != "" {
				return rec.StdoutLog
			}
		}
	}
	stream := "stdout"
	if stderr {
		stream = "stderr"
	}
	return filepath.Join(state.LogsDir(dir), service+"."+stream+".log")
}

// followFile copies data appended to path until ctx is done. A truncated
// file is read again from the start.
func followFile(ctx context.Context, path string, w io.Writer, every time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open log")
	}
	defer func() { _ = f.Close() }()
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, "seek log")
	}

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		fi, err := f.Stat()
		if err != nil {
			return errors.Wrap(err, "stat log")
		}
		if fi.Size() < offset {
			if offset, err = f.Seek(0, io.SeekStart); err != nil {
				return errors.Wrap(err, "seek log")
			}
		}
		n, err := io.Copy(w, f)
		if err != nil {
			return errors.Wrap(err, "read log")
		}
		offset += n
	}
}
