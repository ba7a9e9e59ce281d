package cmds

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-go-golems/stackctl/pkg/control"
	"github.com/go-go-golems/stackctl/pkg/render"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	var tailLines int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the phase and health of every service",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			dir, err := stateDir(opts)
			if err != nil {
				return err
			}

			var st *state.State
			live := false
			socket := state.SocketPath(dir)
			if control.Reachable(cmd.Context(), socket) {
				st, err = control.NewClient(socket).Status(cmd.Context())
				live = err == nil
			}
			if st == nil {
				st, err = state.Load(dir)
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						return errors.New("no stack state found; run stackctl up")
					}
					return err
				}
			}
			for i := range st.Services {
				if e := st.Services[i].LastExit; e != nil && tailLines >= 0 && len(e.StderrTail) > tailLines {
					e.StderrTail = e.StderrTail[len(e.StderrTail)-tailLines:]
				}
			}

			if asJSON {
				b, err := json.MarshalIndent(map[string]any{"live": live, "state": st}, "", "  ")
				if err != nil {
					return errors.Wrap(err, "marshal status")
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			if !live {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "supervisor is not running; showing the last recorded state")
			}
			return render.Status(cmd.OutOrStdout(), st, render.DefaultTheme(), time.Now())
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw state as JSON")
	cmd.Flags().IntVar(&tailLines, "tail-lines", 10, "How many stderr lines to show for exited services")
	return cmd
}
