// Package metrics exposes build, health and supervision counters to Prometheus.
package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "stackctl"

// Recorder methods are safe on a nil receiver.
type Recorder struct {
	reg            *prom.Registry
	buildDuration  *prom.HistogramVec
	buildResults   *prom.CounterVec
	probeResults   *prom.CounterVec
	probeDuration  *prom.HistogramVec
	healthState    *prom.GaugeVec
	restarts       *prom.CounterVec
	servicePhase   *prom.GaugeVec
	watchCycles    *prom.CounterVec
	watchCoalesced prom.Counter
}

func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{reg: reg}
	r.buildDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "build_duration_seconds",
		Help:      "Duration of build pipeline runs",
		Buckets:   prom.DefBuckets,
	}, []string{"service", "mode"})
	r.buildResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "build_results_total",
		Help:      "Build pipeline outcomes",
	}, []string{"service", "result"})
	r.probeResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "health_probe_results_total",
		Help:      "Health probe executions by outcome",
	}, []string{"service", "result"})
	r.probeDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "health_probe_duration_seconds",
		Help:      "Duration of single health probe executions",
		Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"service"})
	r.healthState = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "health_state",
		Help:      "1 for the current health state of a service",
	}, []string{"service", "state"})
	r.restarts = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "service_restarts_total",
		Help:      "Restart attempts issued by the restart policy",
	}, []string{"service"})
	r.servicePhase = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "service_phase",
		Help:      "1 for the current lifecycle phase of a service",
	}, []string{"service", "phase"})
	r.watchCycles = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "watch_cycles_total",
		Help:      "Dev-loop rebuild cycles by outcome",
	}, []string{"target", "result"})
	r.watchCoalesced = prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "watch_coalesced_total",
		Help:      "Change events folded into an already pending rebuild",
	})
	reg.MustRegister(r.buildDuration, r.buildResults, r.probeResults, r.probeDuration,
		r.healthState, r.restarts, r.servicePhase, r.watchCycles, r.watchCoalesced)
	return r
}

func (r *Recorder) Registry() *prom.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Recorder) ObserveBuild(service, mode string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.buildDuration.WithLabelValues(service, mode).Observe(d.Seconds())
	r.buildResults.WithLabelValues(service, result(err)).Inc()
}

func (r *Recorder) ObserveProbe(service string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.probeDuration.WithLabelValues(service).Observe(d.Seconds())
	r.probeResults.WithLabelValues(service, result(err)).Inc()
}

// SetHealth marks state as the only active health state of service.
func (r *Recorder) SetHealth(service, state string, all []string) {
	if r == nil {
		return
	}
	setOneHot(r.healthState, service, state, all)
}

func (r *Recorder) SetPhase(service, phase string, all []string) {
	if r == nil {
		return
	}
	setOneHot(r.servicePhase, service, phase, all)
}

func (r *Recorder) IncRestart(service string) {
	if r == nil {
		return
	}
	r.restarts.WithLabelValues(service).Inc()
}

func (r *Recorder) ObserveWatchCycle(target string, err error) {
	if r == nil {
		return
	}
	r.watchCycles.WithLabelValues(target, result(err)).Inc()
}

func (r *Recorder) IncWatchCoalesced() {
	if r == nil {
		return
	}
	r.watchCoalesced.Inc()
}

func setOneHot(g *prom.GaugeVec, service, current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		g.WithLabelValues(service, s).Set(v)
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
