package cmds

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-go-golems/stackctl/pkg/control"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/go-go-golems/stackctl/pkg/supervise"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDownCmd() *cobra.Command {
	var wait time.Duration
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			dir, err := stateDir(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()

			socket := state.SocketPath(dir)
			if control.Reachable(ctx, socket) {
				if err := control.NewClient(socket).Shutdown(ctx); err != nil {
					return err
				}
				if err := waitUnreachable(ctx, socket); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "stack is down")
				return nil
			}

			st, err := state.Load(dir)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "nothing to stop")
					return nil
				}
				return err
			}
			return stopOrphans(ctx, st, grace)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "How long to wait for the supervisor to finish")
	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "Grace period for processes left by a dead supervisor")
	return cmd
}

func waitUnreachable(ctx context.Context, socket string) error {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for control.Reachable(ctx, socket) {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for the supervisor to stop")
		case <-t.C:
		}
	}
	return nil
}

// stopOrphans terminates services recorded in the state file whose
// supervisor is no longer answering.
func stopOrphans(ctx context.Context, st *state.State, grace time.Duration) error {
	if st.PID > 0 && st.PID != os.Getpid() && state.ProcessAlive(st.PID) {
		log.Warn().Int("pid", st.PID).Msg("supervisor is alive but not answering; terminating it")
		if err := supervise.TerminatePIDGroup(ctx, st.PID, grace, pidDone(ctx, st.PID)); err != nil {
			return err
		}
	}
	var failed []string
	for _, s := range st.Services {
		if s.PID <= 0 || !state.ProcessAlive(s.PID) {
			continue
		}
		log.Info().Str("service", s.Name).Int("pid", s.PID).Msg("stopping orphaned service")
		if err := supervise.TerminatePIDGroup(ctx, s.PID, grace, pidDone(ctx, s.PID)); err != nil {
			failed = append(failed, s.Name)
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("could not stop %v", failed)
	}
	return nil
}
