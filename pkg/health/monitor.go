package health

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-go-golems/stackctl/pkg/events"
	"github.com/go-go-golems/stackctl/pkg/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Transition struct {
	Service  string    `json:"service"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	Failures int       `json:"failures"`
	Error    string    `json:"error,omitempty"`
}

type MonitorOptions struct {
	Bus      *events.Bus
	Metrics  *metrics.Recorder
	OnChange func(Transition)
	Now      func() time.Time
}

// Monitor probes every registered service on its own schedule. Probes of
// different services never wait on each other.
type Monitor struct {
	opts  MonitorOptions
	sched gocron.Scheduler

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	name    string
	spec    Spec
	probe   Probe
	tracker *Tracker
	jobID   uuid.UUID
	cancel  context.CancelFunc
	lastErr string
}

type Status struct {
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	LastAt   time.Time `json:"last_at,omitempty"`
	LastOK   bool      `json:"last_ok"`
	LastErr  string    `json:"last_error,omitempty"`
}

func NewMonitor(opts MonitorOptions) (*Monitor, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "create probe scheduler")
	}
	s.Start()
	return &Monitor{opts: opts, sched: s, entries: map[string]*entry{}}, nil
}

// Add starts probing name. A previous registration for the same name is
// replaced and its tracker discarded.
func (m *Monitor) Add(name string, spec Spec, probe Probe, startedAt time.Time) error {
	spec = spec.WithDefaults()
	if spec.Disabled || probe == nil {
		return nil
	}
	m.Remove(name)

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{name: name, spec: spec, probe: probe, tracker: NewTracker(spec, startedAt), cancel: cancel}

	job, err := m.sched.NewJob(
		gocron.DurationJob(spec.Interval),
		gocron.NewTask(func(jobCtx context.Context) { m.run(jobCtx, e) }),
		gocron.WithName("health:"+name),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "schedule probe for %s", name)
	}
	e.jobID = job.ID()

	m.mu.Lock()
	m.entries[name] = e
	m.mu.Unlock()
	m.opts.Metrics.SetHealth(name, string(Starting), States)
	log.Debug().Str("service", name).Dur("interval", spec.Interval).Msg("health probe scheduled")
	return nil
}

// Remove stops probing name. A probe in flight is abandoned and its result
// discarded.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	delete(m.entries, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	_ = m.sched.RemoveJob(e.jobID)
}

func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return Status{}, false
	}
	at, lastOK := e.tracker.Last()
	return Status{State: e.tracker.State(), Failures: e.tracker.Failures(), LastAt: at, LastOK: lastOK, LastErr: e.lastErr}, true
}

func (m *Monitor) Stop() error {
	m.mu.Lock()
	for name, e := range m.entries {
		e.cancel()
		delete(m.entries, name)
	}
	m.mu.Unlock()
	return m.sched.Shutdown()
}

func (m *Monitor) run(ctx context.Context, e *entry) {
	if ctx.Err() != nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, e.spec.Timeout)
	started := time.Now()
	err := e.probe.Check(pctx)
	if err == nil && pctx.Err() != nil {
		err = pctx.Err()
	}
	cancel()
	if ctx.Err() != nil {
		return
	}
	m.opts.Metrics.ObserveProbe(e.name, time.Since(started), err)
	m.record(e, m.opts.Now(), err)
}

func (m *Monitor) record(e *entry, at time.Time, err error) {
	m.mu.Lock()
	if m.entries[e.name] != e {
		m.mu.Unlock()
		return
	}
	from := e.tracker.State()
	to, changed := e.tracker.Observe(at, err == nil)
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	tr := Transition{Service: e.name, From: from, To: to, At: at, Failures: e.tracker.Failures(), Error: e.lastErr}
	m.mu.Unlock()

	if err != nil {
		log.Debug().Str("service", e.name).Int("failures", tr.Failures).Err(err).Msg("health probe failed")
	}
	if !changed {
		return
	}
	log.Info().Str("service", e.name).Str("from", string(from)).Str("to", string(to)).Msg("health changed")
	m.opts.Metrics.SetHealth(e.name, string(to), States)
	_ = m.opts.Bus.Publish(events.TopicHealth, events.TypeHealthChanged, tr)
	if m.opts.OnChange != nil {
		m.opts.OnChange(tr)
	}
}
