package supervise

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/stackctl/pkg/engine"
	"github.com/go-go-golems/stackctl/pkg/events"
	"github.com/go-go-golems/stackctl/pkg/health"
	"github.com/go-go-golems/stackctl/pkg/metrics"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/go-go-golems/stackctl/pkg/topology"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	StateDir string
	RepoRoot string
	Runtime  Runtime
	// ReadyTimeout bounds how long a dependent waits for its dependencies.
	ReadyTimeout time.Duration
	RestartDelay time.Duration
	Bus          *events.Bus
	Metrics      *metrics.Recorder
	Monitor      *health.Monitor
	// Previous is the state left by an earlier run, used to keep
	// operator-stopped services down.
	Previous *state.State
	Socket   string
}

var ErrUnknownService = errors.New("unknown service")

// StartError lists the services that could not be started. Services not
// listed keep running.
type StartError struct {
	Failures map[string]error
}

func (e *StartError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for n := range e.Failures {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+": "+e.Failures[n].Error())
	}
	return "services failed to start: " + strings.Join(parts, "; ")
}

type PhaseEvent struct {
	Service  string `json:"service"`
	Phase    Phase  `json:"phase"`
	PID      int    `json:"pid,omitempty"`
	Restarts int    `json:"restarts"`
}

type unit struct {
	spec            engine.ServiceSpec
	phase           Phase
	proc            *process
	restarts        int
	operatorStopped bool
	health          health.State
	healthFailures  int
	lastExit        *state.ExitInfo
	startedAt       time.Time
	stdoutLog       string
	stderrLog       string

	started       chan struct{}
	healthy       chan struct{}
	completed     chan struct{}
	failed        chan struct{}
	startedOnce   sync.Once
	healthyOnce   sync.Once
	completedOnce sync.Once
	failedOnce    sync.Once
}

func (u *unit) signal(once *sync.Once, ch chan struct{}) {
	once.Do(func() { close(ch) })
}

// Supervisor runs a launch plan and keeps each service in the phase its
// restart policy and health probe dictate.
type Supervisor struct {
	opts       Options
	monitor    *health.Monitor
	ownMonitor bool

	mu        sync.Mutex
	plan      engine.LaunchPlan
	units     map[string]*unit
	createdAt time.Time
	closing   bool
	closed    chan struct{}
	wg        sync.WaitGroup
}

func New(opts Options) (*Supervisor, error) {
	if opts.StateDir == "" {
		return nil, errors.New("missing StateDir")
	}
	if opts.Runtime == nil {
		opts.Runtime = &ExecRuntime{RepoRoot: opts.RepoRoot}
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 60 * time.Second
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = time.Second
	}
	s := &Supervisor{opts: opts, closed: make(chan struct{})}
	s.monitor = opts.Monitor
	if s.monitor == nil {
		m, err := health.NewMonitor(health.MonitorOptions{Bus: opts.Bus, Metrics: opts.Metrics, OnChange: s.onHealth})
		if err != nil {
			return nil, err
		}
		s.monitor = m
		s.ownMonitor = true
	}
	return s, nil
}

// OnHealth feeds a health transition from an externally owned monitor.
func (s *Supervisor) OnHealth(tr health.Transition) { s.onHealth(tr) }

// Up starts the plan level by level. Services of one level start in
// parallel once their dependencies satisfy the declared condition.
func (s *Supervisor) Up(ctx context.Context, plan engine.LaunchPlan) error {
	s.mu.Lock()
	if s.units != nil {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	if err := os.MkdirAll(state.LogsDir(s.opts.StateDir), 0o755); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "mkdir logs dir")
	}
	s.plan = plan
	s.createdAt = time.Now()
	s.units = map[string]*unit{}
	for _, svc := range plan.Services {
		u := &unit{
			spec:      svc,
			phase:     PhaseCreated,
			stdoutLog: filepath.Join(state.LogsDir(s.opts.StateDir), svc.Name+".stdout.log"),
			stderrLog: filepath.Join(state.LogsDir(s.opts.StateDir), svc.Name+".stderr.log"),
			started:   make(chan struct{}),
			healthy:   make(chan struct{}),
			completed: make(chan struct{}),
			failed:    make(chan struct{}),
		}
		s.units[svc.Name] = u
		s.opts.Metrics.SetPhase(svc.Name, string(PhaseCreated), Phases)
	}
	s.persistLocked()
	s.mu.Unlock()

	if err := s.opts.Runtime.Prepare(ctx, plan); err != nil {
		return errors.Wrapf(err, "prepare %s runtime", s.opts.Runtime.Name())
	}

	var fmu sync.Mutex
	failures := map[string]error{}
	for _, level := range plan.Levels() {
		var g errgroup.Group
		for _, svc := range level {
			name := svc.Name
			g.Go(func() error {
				if err := s.launch(ctx, name); err != nil {
					log.Error().Str("service", name).Err(err).Msg("service failed to start")
					fmu.Lock()
					failures[name] = err
					fmu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if len(failures) > 0 {
		return &StartError{Failures: failures}
	}
	return nil
}

func (s *Supervisor) launch(ctx context.Context, name string) error {
	s.mu.Lock()
	u := s.units[name]
	if prev := s.previousRecord(name); prev != nil && prev.OperatorStopped && !Resumes(u.spec.Restart) {
		u.operatorStopped = true
		u.restarts = prev.Restarts
		s.setPhaseLocked(u, PhaseStopped)
		u.signal(&u.failedOnce, u.failed)
		s.mu.Unlock()
		log.Info().Str("service", name).Msg("service was stopped by the operator; leaving it stopped")
		return nil
	}
	s.mu.Unlock()

	if err := s.waitDeps(ctx, u); err != nil {
		s.fail(u, err)
		return err
	}
	if err := s.startUnit(u); err != nil {
		s.fail(u, err)
		return err
	}
	return nil
}

func (s *Supervisor) previousRecord(name string) *state.ServiceRecord {
	if s.opts.Previous == nil {
		return nil
	}
	rec, ok := s.opts.Previous.Service(name)
	if !ok {
		return nil
	}
	return rec
}

func (s *Supervisor) fail(u *unit, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.lastExit = &state.ExitInfo{Service: u.spec.Name, ExitedAt: time.Now(), Reason: state.ExitCrash, Error: err.Error()}
	s.setPhaseLocked(u, PhaseTerminal)
	u.signal(&u.failedOnce, u.failed)
}

func (s *Supervisor) waitDeps(ctx context.Context, u *unit) error {
	for _, dep := range u.spec.DependsOn {
		s.mu.Lock()
		d, ok := s.units[dep.Service]
		s.mu.Unlock()
		if !ok {
			continue
		}
		ch := d.started
		switch dep.Condition {
		case topology.ConditionHealthy:
			ch = d.healthy
		case topology.ConditionCompleted:
			ch = d.completed
		}

		t := time.NewTimer(s.opts.ReadyTimeout)
		select {
		case <-ch:
			t.Stop()
		case <-d.failed:
			t.Stop()
			return errors.Errorf("dependency %s failed", dep.Service)
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.closed:
			t.Stop()
			return errors.New("supervisor shutting down")
		case <-t.C:
			if dep.Condition == topology.ConditionHealthy {
				s.mu.Lock()
				if d.phase == PhaseStarting {
					s.setPhaseLocked(d, PhaseStartingTimeout)
				}
				s.mu.Unlock()
			}
			return errors.Errorf("dependency %s not %s after %s", dep.Service, dep.Condition, s.opts.ReadyTimeout)
		}
	}
	return nil
}

func (s *Supervisor) startUnit(u *unit) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return errors.New("supervisor shutting down")
	}
	if u.proc != nil {
		s.mu.Unlock()
		return errors.Errorf("service %s already running", u.spec.Name)
	}
	spec := u.spec
	plan := s.plan
	// Down waits for this start to finish.
	s.wg.Add(1)
	s.mu.Unlock()

	l, err := s.opts.Runtime.Command(plan, spec)
	if err != nil {
		s.wg.Done()
		return err
	}
	p, err := startProcess(spec.Name, l, u.stdoutLog, u.stderrLog)
	if err != nil {
		s.wg.Done()
		return err
	}

	var probe health.Probe
	if spec.Health != nil {
		probe, err = health.FromSpec(*spec.Health, s.opts.Runtime.ProbeCommand(plan, spec))
		if err != nil {
			log.Warn().Str("service", spec.Name).Err(err).Msg("health probe disabled")
			probe = nil
		}
	}

	s.mu.Lock()
	u.proc = p
	u.startedAt = p.startedAt
	u.health = ""
	u.healthFailures = 0
	if probe != nil {
		u.health = health.Starting
		s.setPhaseLocked(u, PhaseStarting)
		p.ready = time.AfterFunc(s.opts.ReadyTimeout, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if u.proc == p && u.phase == PhaseStarting {
				s.setPhaseLocked(u, PhaseStartingTimeout)
			}
		})
	} else {
		s.setPhaseLocked(u, PhaseRunning)
	}
	u.signal(&u.startedOnce, u.started)
	closing := s.closing
	s.mu.Unlock()

	go s.watch(u, p)
	if closing {
		_ = p.stop(context.Background(), s.opts.Runtime.StopCommand(plan, spec, spec.StopGrace), spec.StopGrace)
		return nil
	}
	if probe != nil {
		if err := s.monitor.Add(spec.Name, *spec.Health, probe, p.startedAt); err != nil {
			log.Warn().Str("service", spec.Name).Err(err).Msg("health probe not scheduled")
		}
	}
	return nil
}

func (s *Supervisor) watch(u *unit, p *process) {
	defer s.wg.Done()
	defer close(p.handled)
	<-p.done
	if p.ready != nil {
		p.ready.Stop()
	}
	s.monitor.Remove(u.spec.Name)

	exit := p.exit
	s.mu.Lock()
	if u.proc != p {
		s.mu.Unlock()
		return
	}
	u.proc = nil
	u.lastExit = exit
	u.health = ""
	s.setPhaseLocked(u, PhaseStopped)
	_ = s.opts.Bus.Publish(events.TopicService, events.TypeServiceExit, exit)
	if exit.Reason == state.ExitClean {
		u.signal(&u.completedOnce, u.completed)
	}

	restart := !s.closing && !u.operatorStopped &&
		Decide(u.spec.Restart, exit.Reason, exit.Code(), u.restarts, u.spec.MaxRestarts)
	if !restart {
		if exit.Reason != state.ExitOperator {
			s.setPhaseLocked(u, PhaseTerminal)
		}
		if exit.Reason != state.ExitClean {
			u.signal(&u.failedOnce, u.failed)
		}
		s.mu.Unlock()
		log.Info().Str("service", u.spec.Name).Str("reason", string(exit.Reason)).Int("exit_code", exit.Code()).Msg("service exited")
		return
	}
	u.restarts++
	s.setPhaseLocked(u, PhaseRestarting)
	s.mu.Unlock()

	s.opts.Metrics.IncRestart(u.spec.Name)
	log.Warn().Str("service", u.spec.Name).Int("exit_code", exit.Code()).Int("restarts", u.restarts).Msg("service exited, restarting")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(s.opts.RestartDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.closed:
			return
		}
		s.mu.Lock()
		skip := u.operatorStopped || u.phase != PhaseRestarting
		s.mu.Unlock()
		if skip {
			return
		}
		if err := s.startUnit(u); err != nil {
			log.Error().Str("service", u.spec.Name).Err(err).Msg("restart failed")
			s.fail(u, err)
		}
	}()
}

func (s *Supervisor) onHealth(tr health.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[tr.Service]
	if !ok || u.proc == nil {
		return
	}
	u.health = tr.To
	u.healthFailures = tr.Failures
	if !u.phase.Live() {
		s.persistLocked()
		return
	}
	switch tr.To {
	case health.Healthy:
		s.setPhaseLocked(u, PhaseHealthy)
		u.signal(&u.healthyOnce, u.healthy)
	case health.Unhealthy:
		s.setPhaseLocked(u, PhaseUnhealthy)
	default:
		s.persistLocked()
	}
}

// StopService stops name on operator request. The service is not restarted
// until StartService is called.
func (s *Supervisor) StopService(ctx context.Context, name string) error {
	s.mu.Lock()
	u, ok := s.units[name]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrUnknownService, "%q", name)
	}
	u.operatorStopped = true
	p := u.proc
	if p == nil {
		if u.phase == PhaseRestarting {
			s.setPhaseLocked(u, PhaseStopped)
		} else {
			s.persistLocked()
		}
		s.mu.Unlock()
		return nil
	}
	spec, plan := u.spec, s.plan
	s.mu.Unlock()

	log.Info().Str("service", name).Int("pid", p.pid).Msg("stopping service")
	err := p.stop(ctx, s.opts.Runtime.StopCommand(plan, spec, spec.StopGrace), spec.StopGrace)
	select {
	case <-p.handled:
	case <-ctx.Done():
	}
	return err
}

// StartService starts a stopped service again and clears the operator stop.
func (s *Supervisor) StartService(_ context.Context, name string) error {
	s.mu.Lock()
	u, ok := s.units[name]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrUnknownService, "%q", name)
	}
	if u.proc != nil {
		s.mu.Unlock()
		return errors.Errorf("service %s already running", name)
	}
	u.operatorStopped = false
	s.mu.Unlock()
	if err := s.startUnit(u); err != nil {
		s.fail(u, err)
		return err
	}
	return nil
}

// Down stops every service in reverse dependency order and tears down the
// runtime. Stop failures are reported but do not stop the sweep.
func (s *Supervisor) Down(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	close(s.closed)
	plan := s.plan
	s.mu.Unlock()

	var errs []string
	var emu sync.Mutex
	levels := plan.Levels()
	for i := len(levels) - 1; i >= 0; i-- {
		var g errgroup.Group
		for _, svc := range levels[i] {
			g.Go(func() error {
				s.mu.Lock()
				u := s.units[svc.Name]
				var p *process
				if u != nil {
					p = u.proc
				}
				s.mu.Unlock()
				if p == nil {
					return nil
				}
				err := p.stop(ctx, s.opts.Runtime.StopCommand(plan, svc, svc.StopGrace), svc.StopGrace)
				<-p.handled
				if err != nil {
					emu.Lock()
					errs = append(errs, svc.Name+": "+err.Error())
					emu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	s.wg.Wait()

	if s.ownMonitor {
		if err := s.monitor.Stop(); err != nil {
			log.Debug().Err(err).Msg("probe scheduler shutdown")
		}
	}
	if err := s.opts.Runtime.Teardown(ctx, plan); err != nil {
		errs = append(errs, err.Error())
	}

	s.mu.Lock()
	for _, u := range s.units {
		if u.phase != PhaseTerminal && !(u.phase == PhaseStopped && u.operatorStopped) {
			s.setPhaseLocked(u, PhaseTerminal)
		}
	}
	s.persistLocked()
	s.mu.Unlock()

	if len(errs) > 0 {
		return errors.Errorf("down: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Done is closed once Down has begun.
func (s *Supervisor) Done() <-chan struct{} { return s.closed }

func (s *Supervisor) Snapshot() state.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) Phase(name string) (Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[name]
	if !ok {
		return "", false
	}
	return u.phase, true
}

func (s *Supervisor) Plan() engine.LaunchPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

func (s *Supervisor) setPhaseLocked(u *unit, p Phase) {
	if u.phase == p {
		return
	}
	log.Debug().Str("service", u.spec.Name).Str("from", string(u.phase)).Str("to", string(p)).Msg("phase")
	u.phase = p
	pid := 0
	if u.proc != nil {
		pid = u.proc.pid
	}
	s.opts.Metrics.SetPhase(u.spec.Name, string(p), Phases)
	_ = s.opts.Bus.Publish(events.TopicService, events.TypeServicePhase, PhaseEvent{Service: u.spec.Name, Phase: p, PID: pid, Restarts: u.restarts})
	s.persistLocked()
}

func (s *Supervisor) snapshotLocked() state.State {
	st := state.State{
		Project:   s.plan.Project,
		Mode:      s.plan.Mode,
		Runtime:   s.opts.Runtime.Name(),
		RepoRoot:  s.opts.RepoRoot,
		Socket:    s.opts.Socket,
		PID:       os.Getpid(),
		CreatedAt: s.createdAt,
		UpdatedAt: time.Now(),
		Services:  make([]state.ServiceRecord, 0, len(s.plan.Services)),
	}
	for _, svc := range s.plan.Services {
		u := s.units[svc.Name]
		rec := state.ServiceRecord{
			Name:            svc.Name,
			Phase:           string(u.phase),
			Health:          string(u.health),
			HealthFailures:  u.healthFailures,
			Restart:         string(svc.Restart),
			Restarts:        u.restarts,
			OperatorStopped: u.operatorStopped,
			Argv:            svc.Argv,
			Cwd:             svc.Cwd,
			Env:             state.SanitizeEnv(svc.Env),
			StdoutLog:       u.stdoutLog,
			StderrLog:       u.stderrLog,
			StartedAt:       u.startedAt,
			LastExit:        u.lastExit,
		}
		if u.proc != nil {
			rec.PID = u.proc.pid
		}
		for _, p := range svc.Ports {
			rec.Ports = append(rec.Ports, portFlag(p))
		}
		if svc.Artifact != nil {
			rec.Artifact = svc.Artifact.ID
		}
		st.Services = append(st.Services, rec)
	}
	return st
}

func (s *Supervisor) persistLocked() {
	st := s.snapshotLocked()
	if err := state.Save(s.opts.StateDir, &st); err != nil {
		log.Warn().Err(err).Msg("state save failed")
	}
}
