package cmds

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-go-golems/stackctl/pkg/control"
	"github.com/go-go-golems/stackctl/pkg/events"
	"github.com/go-go-golems/stackctl/pkg/metrics"
	"github.com/go-go-golems/stackctl/pkg/stack"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/go-go-golems/stackctl/pkg/supervise"
	"github.com/go-go-golems/stackctl/pkg/watch"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type upOptions struct {
	Runtime      string
	SkipBuild    bool
	Watch        bool
	ReadyTimeout time.Duration
	DownTimeout  time.Duration
	Journal      int
}

func newUpCmd() *cobra.Command {
	var uo upOptions

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Build, start and supervise the stack in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			p, err := openProject(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return runUp(cmd, opts, uo, p)
		},
	}

	cmd.Flags().StringVar(&uo.Runtime, "runtime", "", "Service runtime: exec or docker (defaults to the project file)")
	cmd.Flags().BoolVar(&uo.SkipBuild, "skip-build", false, "Launch the last published artifacts without building")
	cmd.Flags().BoolVar(&uo.Watch, "watch", false, "Rebuild and restart built services when their sources change")
	cmd.Flags().DurationVar(&uo.ReadyTimeout, "ready-timeout", 60*time.Second, "How long a service waits for its dependencies")
	cmd.Flags().DurationVar(&uo.DownTimeout, "down-timeout", 2*time.Minute, "Upper bound for stopping the stack")
	cmd.Flags().IntVar(&uo.Journal, "journal", 500, "Number of events kept for the events endpoint")
	return cmd
}

// previousState returns the state of an earlier run whose supervisor is gone.
func previousState(dir string) (*state.State, error) {
	prev, err := state.Load(dir)
	if err != nil {
		return nil, nil
	}
	if prev.PID > 0 && state.ProcessAlive(prev.PID) {
		return nil, errors.Errorf("a supervisor (pid %d) still owns %s; run stackctl down first", prev.PID, dir)
	}
	return prev, nil
}

func runUp(cmd *cobra.Command, opts rootOptions, uo upOptions, p *stack.Project) error {
	dir := p.StateDir()
	socket := state.SocketPath(dir)
	if control.Reachable(cmd.Context(), socket) {
		return errors.New("stack is already up; run stackctl down first")
	}
	prev, err := previousState(dir)
	if err != nil {
		return err
	}

	ctx, cancelSignals := signalContext(cmd.Context())
	defer cancelSignals()
	runCtx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	reg := prom.NewRegistry()
	rec := metrics.NewRecorder(reg)
	bus, err := events.NewInMemoryBus()
	if err != nil {
		return err
	}
	journal := events.NewJournal(uo.Journal)
	journal.Attach(bus)
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	go func() {
		if err := bus.Run(busCtx); err != nil {
			log.Error().Err(err).Msg("event bus stopped")
		}
	}()
	<-bus.Running()

	runtimeName := uo.Runtime
	if runtimeName == "" {
		runtimeName = p.Repo.Config.Runtime
	}
	pl := newPipeline(p, opts, runtimeName, bus, rec)
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if !uo.SkipBuild {
		if _, err := p.Build(runCtx, pl, nil, out, errOut); err != nil {
			return err
		}
	}
	plan, err := p.Plan()
	if err != nil {
		return err
	}

	rt, err := supervise.NewRuntime(runtimeName, p.Repo.Root)
	if err != nil {
		return err
	}
	sup, err := supervise.New(supervise.Options{
		StateDir:     dir,
		RepoRoot:     p.Repo.Root,
		Runtime:      rt,
		ReadyTimeout: uo.ReadyTimeout,
		Bus:          bus,
		Metrics:      rec,
		Previous:     prev,
		Socket:       socket,
	})
	if err != nil {
		return err
	}

	srv := control.NewServer(sup, control.ServerOptions{Registry: reg, Journal: journal, Shutdown: shutdown})
	if err := srv.Listen(socket); err != nil {
		return err
	}
	go func() {
		if err := srv.Serve(); err != nil {
			log.Error().Err(err).Msg("control server stopped")
		}
	}()

	down := func() error {
		downCtx, cancel := context.WithTimeout(context.Background(), uo.DownTimeout)
		defer cancel()
		err := sup.Down(downCtx)
		if cerr := srv.Close(downCtx); cerr != nil {
			log.Debug().Err(cerr).Msg("close control server")
		}
		return err
	}

	if err := sup.Up(runCtx, plan); err != nil {
		var se *supervise.StartError
		if !stderrors.As(err, &se) {
			return stderrors.Join(err, down())
		}
		log.Warn().Int("failed", len(se.Failures)).Msg("some services failed to start; the rest keep running")
	}
	_, _ = fmt.Fprintf(out, "%s (%s) is up with %d services; control socket %s\n", plan.Project, plan.Mode, len(plan.Services), socket)

	var watchers errgroup.Group
	if uo.Watch {
		for _, name := range p.BuiltServices() {
			w, err := watch.New(&watch.ServiceTarget{
				Service: name,
				Control: sup,
				Build: func(ctx context.Context) error {
					_, err := p.Build(ctx, pl, []string{name}, out, errOut)
					return err
				},
			}, watch.Options{
				Roots:       p.WatchRoots(name),
				Ignore:      p.WatchIgnore(name),
				SkipInitial: true,
				Bus:         bus,
				Metrics:     rec,
			})
			if err != nil {
				shutdown()
				return stderrors.Join(err, down())
			}
			watchers.Go(func() error { return w.Run(runCtx) })
		}
	}

	<-runCtx.Done()
	log.Info().Msg("shutting down")
	werr := watchers.Wait()
	if err := down(); err != nil {
		return stderrors.Join(werr, err)
	}
	return werr
}
