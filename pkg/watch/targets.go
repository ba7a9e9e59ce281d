package watch

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-go-golems/stackctl/pkg/supervise"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CommandTarget rebuilds with one command and runs another in its own
// process group. It is the dev container entrypoint.
type CommandTarget struct {
	Label  string
	Build  []string
	Run    []string
	Dir    string
	Env    []string
	Grace  time.Duration
	Stdout io.Writer
	Stderr io.Writer

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

var _ Target = (*CommandTarget)(nil)

func (t *CommandTarget) Name() string {
	if t.Label != "" {
		return t.Label
	}
	if len(t.Run) > 0 {
		return t.Run[0]
	}
	return "command"
}

func (t *CommandTarget) command(ctx context.Context, argv []string) *exec.Cmd {
	// #nosec G204 -- commands come from the operator's command line.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = t.Dir
	cmd.Env = t.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Stdout = t.Stdout
	cmd.Stderr = t.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func (t *CommandTarget) Rebuild(ctx context.Context) error {
	if len(t.Build) == 0 {
		return nil
	}
	log.Info().Str("cmd", strings.Join(t.Build, " ")).Msg("building")
	if err := t.command(ctx, t.Build).Run(); err != nil {
		return errors.Wrapf(err, "build %q", strings.Join(t.Build, " "))
	}
	return nil
}

func (t *CommandTarget) Start(context.Context) error {
	if len(t.Run) == 0 {
		return errors.New("no run command")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd != nil {
		return errors.New("already running")
	}
	// the run command outlives the cycle that started it
	cmd := t.command(context.Background(), t.Run)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %q", strings.Join(t.Run, " "))
	}
	done := make(chan struct{})
	t.cmd, t.done = cmd, done
	log.Info().Int("pid", cmd.Process.Pid).Str("cmd", strings.Join(t.Run, " ")).Msg("started")
	go func() {
		err := cmd.Wait()
		close(done)
		t.mu.Lock()
		if t.cmd == cmd {
			t.cmd, t.done = nil, nil
			log.Warn().Err(err).Msg("process exited; waiting for changes")
		}
		t.mu.Unlock()
	}()
	return nil
}

func (t *CommandTarget) Stop(ctx context.Context) error {
	t.mu.Lock()
	cmd, done := t.cmd, t.done
	t.cmd, t.done = nil, nil
	t.mu.Unlock()
	if cmd == nil {
		return nil
	}
	grace := t.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return supervise.TerminatePIDGroup(ctx, cmd.Process.Pid, grace, done)
}

// Running reports the pid of the run command, or zero.
func (t *CommandTarget) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// ServiceControl is the part of the supervisor a ServiceTarget drives.
type ServiceControl interface {
	StopService(ctx context.Context, name string) error
	StartService(ctx context.Context, name string) error
}

// ServiceTarget rebuilds one topology service and restarts it in place, so
// it keeps its name and network identity.
type ServiceTarget struct {
	Service string
	Control ServiceControl
	Build   func(ctx context.Context) error
}

var _ Target = (*ServiceTarget)(nil)

func (t *ServiceTarget) Name() string { return t.Service }

func (t *ServiceTarget) Stop(ctx context.Context) error {
	return t.Control.StopService(ctx, t.Service)
}

func (t *ServiceTarget) Rebuild(ctx context.Context) error {
	if t.Build == nil {
		return nil
	}
	return t.Build(ctx)
}

func (t *ServiceTarget) Start(ctx context.Context) error {
	return t.Control.StartService(ctx, t.Service)
}

// SplitArgs splits `build args ::: run args` into its two halves. Without
// a separator everything is the run command.
func SplitArgs(args []string) (build, run []string) {
	for i, a := range args {
		if a == ":::" {
			return args[:i], args[i+1:]
		}
	}
	return nil, args
}
