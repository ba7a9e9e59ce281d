package supervise

import (
	"context"
	stderrors "errors"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// process is one running instance of a service.
type process struct {
	service   string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	stderrLog string

	stopping atomic.Bool
	done     chan struct{}
	handled  chan struct{}
	exit     *state.ExitInfo
	ready    *time.Timer
}

func openLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

func startProcess(service string, l Launch, stdoutPath, stderrPath string) (*process, error) {
	if len(l.Argv) == 0 {
		return nil, errors.Errorf("service %q missing command", service)
	}
	stdoutFile, err := openLog(stdoutPath)
	if err != nil {
		return nil, errors.Wrap(err, "open stdout log")
	}
	stderrFile, err := openLog(stderrPath)
	if err != nil {
		_ = stdoutFile.Close()
		return nil, errors.Wrap(err, "open stderr log")
	}

	// #nosec G204 -- command is configured in the topology manifest.
	cmd := exec.Command(l.Argv[0], l.Argv[1:]...)
	cmd.Dir = l.Dir
	cmd.Env = l.Env
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return nil, errors.Wrapf(err, "start service %s", service)
	}

	p := &process{
		service:   service,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		stderrLog: stderrPath,
		done:      make(chan struct{}),
		handled:   make(chan struct{}),
	}
	log.Info().Str("service", service).Int("pid", p.pid).Msg("service started")

	go func() {
		werr := cmd.Wait()
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		p.exit = p.exitInfo(werr)
		close(p.done)
	}()
	return p, nil
}

func (p *process) exitInfo(werr error) *state.ExitInfo {
	info := &state.ExitInfo{
		Service:   p.service,
		PID:       p.pid,
		StartedAt: p.startedAt,
		ExitedAt:  time.Now(),
	}
	code := 0
	var ee *exec.ExitError
	switch {
	case werr == nil:
	case stderrors.As(werr, &ee):
		code = ee.ExitCode()
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.Signal = ws.Signal().String()
			code = 128 + int(ws.Signal())
		}
	default:
		code = -1
		info.Error = werr.Error()
	}
	info.ExitCode = &code

	switch {
	case p.stopping.Load():
		info.Reason = state.ExitOperator
	case code == 0:
		info.Reason = state.ExitClean
	default:
		info.Reason = state.ExitCrash
	}
	if code != 0 {
		if tail, err := state.TailLines(p.stderrLog, 20, 0); err == nil {
			info.StderrTail = tail
		}
	}
	return info
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// stop asks the process to exit. stopCmd, when set, is tried first; after
// that the process group gets SIGTERM, then SIGKILL once grace has passed.
func (p *process) stop(ctx context.Context, stopCmd []string, grace time.Duration) error {
	p.stopping.Store(true)
	if p.exited() {
		return nil
	}
	if len(stopCmd) > 0 {
		cctx, cancel := context.WithTimeout(ctx, grace+5*time.Second)
		// #nosec G204 -- stop command is built by the runtime.
		out, err := exec.CommandContext(cctx, stopCmd[0], stopCmd[1:]...).CombinedOutput()
		cancel()
		if err != nil {
			log.Warn().Str("service", p.service).Str("output", string(out)).Err(err).Msg("stop command failed")
		}
		select {
		case <-p.done:
			return nil
		case <-time.After(time.Second):
		}
	}
	return TerminatePIDGroup(ctx, p.pid, grace, p.done)
}

// TerminatePIDGroup sends SIGTERM to pid's process group and SIGKILL once
// timeout passes without done being closed.
func TerminatePIDGroup(ctx context.Context, pid int, timeout time.Duration, done <-chan struct{}) error {
	if pid <= 0 {
		return nil
	}
	pgid, err := syscall.Getpgid(pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	kill := func() {
		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// the caller gave up waiting; the group must still not outlive the stop
		log.Warn().Int("pid", pid).Err(ctx.Err()).Msg("stop abandoned, killing process group")
		kill()
		return ctx.Err()
	case <-t.C:
	}

	log.Warn().Int("pid", pid).Dur("grace", timeout).Msg("grace period elapsed, killing process group")
	kill()

	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		return errors.Errorf("failed to stop pid %d", pid)
	}
}
