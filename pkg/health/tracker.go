// Package health classifies services as starting, healthy or unhealthy from
// periodic probe results.
package health

import "time"

type State string

const (
	Starting  State = "starting"
	Healthy   State = "healthy"
	Unhealthy State = "unhealthy"
)

var States = []string{string(Starting), string(Healthy), string(Unhealthy)}

// Tracker is the probe result state machine. It holds no clock and no
// goroutines; callers feed it observations.
type Tracker struct {
	spec      Spec
	startedAt time.Time
	state     State
	failures  int
	inGrace   bool
	lastAt    time.Time
	lastOK    bool
}

func NewTracker(spec Spec, startedAt time.Time) *Tracker {
	return &Tracker{
		spec:      spec.WithDefaults(),
		startedAt: startedAt,
		state:     Starting,
		inGrace:   spec.StartPeriod > 0,
	}
}

func (t *Tracker) InGrace(at time.Time) bool {
	return at.Sub(t.startedAt) < t.spec.StartPeriod
}

// Observe records one probe result at time at and returns the state and
// whether it changed. Failures inside the start period are counted but cannot
// make the service unhealthy; the count is discarded when the period ends.
func (t *Tracker) Observe(at time.Time, ok bool) (State, bool) {
	prev := t.state
	t.lastAt, t.lastOK = at, ok

	grace := t.InGrace(at)
	if t.inGrace && !grace {
		t.inGrace = false
		t.failures = 0
	}

	if ok {
		t.failures = 0
		t.state = Healthy
		return t.state, t.state != prev
	}

	t.failures++
	if !grace && t.failures >= t.spec.Retries {
		t.state = Unhealthy
	}
	return t.state, t.state != prev
}

func (t *Tracker) State() State { return t.state }

// Failures is the current consecutive failure count.
func (t *Tracker) Failures() int { return t.failures }

func (t *Tracker) Last() (time.Time, bool) { return t.lastAt, t.lastOK }
