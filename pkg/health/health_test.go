package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func at(start time.Time, s int) time.Time {
	return start.Add(time.Duration(s) * time.Second)
}

func TestTrackerGraceScenario(t *testing.T) {
	start := time.Unix(0, 0)
	tr := NewTracker(Spec{Interval: 30 * time.Second, Timeout: 10 * time.Second, Retries: 3, StartPeriod: 20 * time.Second}, start)

	st, _ := tr.Observe(at(start, 5), false)
	require.Equal(t, Starting, st)
	require.Equal(t, 1, tr.Failures())

	st, changed := tr.Observe(at(start, 35), true)
	require.Equal(t, Healthy, st)
	require.True(t, changed)
	require.Equal(t, 0, tr.Failures())

	st, _ = tr.Observe(at(start, 65), false)
	require.Equal(t, Healthy, st)
	st, _ = tr.Observe(at(start, 95), false)
	require.Equal(t, Healthy, st)
	st, changed = tr.Observe(at(start, 125), false)
	require.Equal(t, Unhealthy, st)
	require.True(t, changed)
}

func TestTrackerGraceFailuresNeverCount(t *testing.T) {
	start := time.Unix(0, 0)
	tr := NewTracker(Spec{Retries: 3, StartPeriod: 20 * time.Second}, start)

	for _, s := range []int{1, 5, 10, 15, 19} {
		st, _ := tr.Observe(at(start, s), false)
		require.Equal(t, Starting, st)
	}
	require.Equal(t, 5, tr.Failures())

	st, _ := tr.Observe(at(start, 21), false)
	require.Equal(t, Starting, st)
	require.Equal(t, 1, tr.Failures())
	tr.Observe(at(start, 22), false)
	st, _ = tr.Observe(at(start, 23), false)
	require.Equal(t, Unhealthy, st)
}

func TestTrackerFewerThanRetriesStaysHealthy(t *testing.T) {
	start := time.Unix(0, 0)
	tr := NewTracker(Spec{Retries: 3}, start)
	tr.Observe(at(start, 1), true)
	for i := 0; i < 10; i++ {
		tr.Observe(at(start, 10+i*3), false)
		st, _ := tr.Observe(at(start, 11+i*3), false)
		require.Equal(t, Healthy, st)
		tr.Observe(at(start, 12+i*3), true)
	}
	require.Equal(t, Healthy, tr.State())

	st, _ := tr.Observe(at(start, 100), false)
	require.Equal(t, Healthy, st)
	tr.Observe(at(start, 101), false)
	st, _ = tr.Observe(at(start, 102), false)
	require.Equal(t, Unhealthy, st)
	st, _ = tr.Observe(at(start, 103), true)
	require.Equal(t, Healthy, st)
}

func TestFromSpec(t *testing.T) {
	p, err := FromSpec(Spec{Test: []string{"CMD-SHELL", "exit 0"}}, nil)
	require.NoError(t, err)
	require.Equal(t, CommandProbe{Argv: []string{"/bin/sh", "-c", "exit 0"}}, p)

	wrap := func(argv []string) []string { return append([]string{"docker", "exec", "api"}, argv...) }
	p, err = FromSpec(Spec{Test: []string{"CMD", "curl", "-f", "http://localhost:8080/healthz"}}, wrap)
	require.NoError(t, err)
	require.Equal(t, []string{"docker", "exec", "api", "curl", "-f", "http://localhost:8080/healthz"}, p.(CommandProbe).Argv)

	p, err = FromSpec(Spec{Test: []string{"NONE"}}.WithDefaults(), nil)
	require.NoError(t, err)
	require.Nil(t, p)

	_, err = FromSpec(Spec{Test: []string{"PING", "x"}}, nil)
	require.Error(t, err)
}

func TestProbes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, HTTPProbe{URL: srv.URL + "/healthz"}.Check(ctx))
	require.Error(t, HTTPProbe{URL: srv.URL + "/down"}.Check(ctx))
	require.NoError(t, TCPProbe{Address: srv.Listener.Addr().String()}.Check(ctx))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()
	require.Error(t, TCPProbe{Address: addr}.Check(ctx))

	require.NoError(t, CommandProbe{Argv: []string{"sh", "-c", "exit 0"}}.Check(ctx))
	require.Error(t, CommandProbe{Argv: []string{"sh", "-c", "exit 1"}}.Check(ctx))
}

func TestCommandProbeTimeoutBoundsShellChildren(t *testing.T) {
	p, err := FromSpec(Spec{Test: []string{"CMD-SHELL", "sleep 3; true"}}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	started := time.Now()
	err = p.Check(ctx)
	require.Error(t, err)
	require.Less(t, time.Since(started), time.Second)
}

func TestMonitorReportsTransitions(t *testing.T) {
	var healthy atomic.Bool
	var mu sync.Mutex
	var seen []Transition

	m, err := NewMonitor(MonitorOptions{OnChange: func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr)
	}})
	require.NoError(t, err)
	defer func() { _ = m.Stop() }()

	probe := ProbeFunc(func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("not yet")
	})
	require.NoError(t, m.Add("api", Spec{Interval: 20 * time.Millisecond, Timeout: time.Second, Retries: 2}, probe, time.Now()))

	require.Eventually(t, func() bool {
		st, ok := m.Status("api")
		return ok && st.State == Unhealthy
	}, 2*time.Second, 5*time.Millisecond)

	healthy.Store(true)
	require.Eventually(t, func() bool {
		st, _ := m.Status("api")
		return st.State == Healthy
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 2)
	require.Equal(t, Unhealthy, seen[0].To)
	require.Equal(t, Healthy, seen[len(seen)-1].To)
}

func TestMonitorTimeoutCountsAsFailureAndRemoveAbandons(t *testing.T) {
	m, err := NewMonitor(MonitorOptions{})
	require.NoError(t, err)
	defer func() { _ = m.Stop() }()

	var calls atomic.Int32
	block := ProbeFunc(func(ctx context.Context) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, m.Add("slow", Spec{Interval: 10 * time.Millisecond, Timeout: 20 * time.Millisecond, Retries: 1}, block, time.Now()))
	require.Eventually(t, func() bool {
		st, _ := m.Status("slow")
		return st.State == Unhealthy
	}, 2*time.Second, 5*time.Millisecond)

	m.Remove("slow")
	_, ok := m.Status("slow")
	require.False(t, ok)
	n := calls.Load()
	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, calls.Load(), n+1)
}
