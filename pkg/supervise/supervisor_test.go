package supervise

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/stackctl/pkg/engine"
	"github.com/go-go-golems/stackctl/pkg/health"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/go-go-golems/stackctl/pkg/topology"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T, prev *state.State) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Options{
		StateDir:     filepath.Join(dir, ".stackctl"),
		RepoRoot:     dir,
		ReadyTimeout: 5 * time.Second,
		RestartDelay: 10 * time.Millisecond,
		Previous:     prev,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Down(ctx)
	})
	return s, dir
}

func sleeper(name string, priority int, policy topology.RestartPolicy) engine.ServiceSpec {
	return engine.ServiceSpec{
		Name:      name,
		Priority:  priority,
		Argv:      []string{"sh", "-c", "sleep 30"},
		Restart:   policy,
		StopGrace: 2 * time.Second,
	}
}

func waitPhase(t *testing.T, s *Supervisor, name string, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, _ := s.Phase(name)
		return p == want
	}, 5*time.Second, 20*time.Millisecond, "service %s never reached %s", name, want)
}

func record(t *testing.T, s *Supervisor, name string) state.ServiceRecord {
	t.Helper()
	st := s.Snapshot()
	rec, ok := st.Service(name)
	require.True(t, ok)
	return *rec
}

func TestDecide(t *testing.T) {
	cases := []struct {
		policy   topology.RestartPolicy
		reason   state.ExitReason
		code     int
		restarts int
		max      int
		want     bool
	}{
		{topology.RestartNo, state.ExitCrash, 1, 0, 0, false},
		{topology.RestartAlways, state.ExitCrash, 1, 5, 0, true},
		{topology.RestartAlways, state.ExitClean, 0, 0, 0, true},
		{topology.RestartAlways, state.ExitOperator, 143, 0, 0, false},
		{topology.RestartUnlessStopped, state.ExitCrash, 137, 0, 0, true},
		{topology.RestartUnlessStopped, state.ExitOperator, 0, 0, 0, false},
		{topology.RestartOnFailure, state.ExitClean, 0, 0, 0, false},
		{topology.RestartOnFailure, state.ExitCrash, 2, 0, 0, true},
		{topology.RestartOnFailure, state.ExitCrash, 2, 3, 3, false},
	}
	for _, c := range cases {
		got := Decide(c.policy, c.reason, c.code, c.restarts, c.max)
		require.Equal(t, c.want, got, "%s/%s code=%d restarts=%d", c.policy, c.reason, c.code, c.restarts)
	}
	require.False(t, Resumes(topology.RestartUnlessStopped))
	require.True(t, Resumes(topology.RestartAlways))
}

func TestUpAndDown(t *testing.T) {
	s, dir := newTestSupervisor(t, nil)
	api := sleeper("api", 1, topology.RestartUnlessStopped)
	api.DependsOn = []topology.Dependency{{Service: "mongo", Condition: topology.ConditionStarted}}
	plan := engine.LaunchPlan{Project: "demo", Mode: "production", Services: []engine.ServiceSpec{
		sleeper("mongo", 0, topology.RestartAlways),
		api,
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Up(ctx, plan))
	waitPhase(t, s, "mongo", PhaseRunning)
	waitPhase(t, s, "api", PhaseRunning)

	mongo := record(t, s, "mongo")
	apiRec := record(t, s, "api")
	require.True(t, state.ProcessAlive(mongo.PID))
	require.True(t, state.ProcessAlive(apiRec.PID))
	require.False(t, apiRec.StartedAt.Before(mongo.StartedAt))

	onDisk, err := state.Load(filepath.Join(dir, ".stackctl"))
	require.NoError(t, err)
	require.Equal(t, "demo", onDisk.Project)
	require.Len(t, onDisk.Services, 2)

	require.NoError(t, s.Down(ctx))
	require.False(t, state.ProcessAlive(mongo.PID))
	require.False(t, state.ProcessAlive(apiRec.PID))
	p, _ := s.Phase("api")
	require.Equal(t, PhaseTerminal, p)
	// restart policies never fire during shutdown
	require.Equal(t, 0, record(t, s, "mongo").Restarts)
}

func TestCrashIsRestartedOnce(t *testing.T) {
	s, dir := newTestSupervisor(t, nil)
	marker := filepath.Join(dir, "crashed")
	svc := engine.ServiceSpec{
		Name:      "api",
		Argv:      []string{"sh", "-c", "if [ -f " + marker + " ]; then sleep 30; else touch " + marker + "; echo boom >&2; exit 3; fi"},
		Restart:   topology.RestartUnlessStopped,
		StopGrace: 2 * time.Second,
	}
	require.NoError(t, s.Up(context.Background(), engine.LaunchPlan{Project: "demo", Services: []engine.ServiceSpec{svc}}))

	require.Eventually(t, func() bool {
		rec := record(t, s, "api")
		return rec.Restarts == 1 && rec.Phase == string(PhaseRunning)
	}, 5*time.Second, 20*time.Millisecond)

	rec := record(t, s, "api")
	require.NotNil(t, rec.LastExit)
	require.Equal(t, state.ExitCrash, rec.LastExit.Reason)
	require.Equal(t, 3, rec.LastExit.Code())
	require.Equal(t, []string{"boom"}, rec.LastExit.StderrTail)
}

func TestOperatorStopIsNotRestarted(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	plan := engine.LaunchPlan{Project: "demo", Services: []engine.ServiceSpec{sleeper("api", 0, topology.RestartUnlessStopped)}}
	require.NoError(t, s.Up(context.Background(), plan))
	waitPhase(t, s, "api", PhaseRunning)
	pid := record(t, s, "api").PID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.StopService(ctx, "api"))

	rec := record(t, s, "api")
	require.Equal(t, string(PhaseStopped), rec.Phase)
	require.True(t, rec.OperatorStopped)
	require.Equal(t, state.ExitOperator, rec.LastExit.Reason)
	require.False(t, state.ProcessAlive(pid))

	time.Sleep(200 * time.Millisecond)
	rec = record(t, s, "api")
	require.Equal(t, string(PhaseStopped), rec.Phase)
	require.Equal(t, 0, rec.Restarts)

	require.NoError(t, s.StartService(ctx, "api"))
	waitPhase(t, s, "api", PhaseRunning)
	require.False(t, record(t, s, "api").OperatorStopped)
	require.Error(t, s.StartService(ctx, "api"))
}

func TestOnFailureCleanExitIsTerminal(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	svc := engine.ServiceSpec{Name: "migrate", Argv: []string{"sh", "-c", "exit 0"}, Restart: topology.RestartOnFailure}
	require.NoError(t, s.Up(context.Background(), engine.LaunchPlan{Project: "demo", Services: []engine.ServiceSpec{svc}}))
	waitPhase(t, s, "migrate", PhaseTerminal)
	rec := record(t, s, "migrate")
	require.Equal(t, 0, rec.Restarts)
	require.Equal(t, state.ExitClean, rec.LastExit.Reason)
}

func TestStartFailureIsIsolated(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	broken := engine.ServiceSpec{Name: "broken", Argv: []string{"/nonexistent/stackctl-test-binary"}, Restart: topology.RestartAlways}
	dependent := sleeper("dependent", 1, topology.RestartAlways)
	dependent.DependsOn = []topology.Dependency{{Service: "broken", Condition: topology.ConditionStarted}}
	plan := engine.LaunchPlan{Project: "demo", Services: []engine.ServiceSpec{
		broken,
		sleeper("docs", 0, topology.RestartAlways),
		dependent,
	}}

	err := s.Up(context.Background(), plan)
	var se *StartError
	require.ErrorAs(t, err, &se)
	require.Contains(t, se.Failures, "broken")
	require.Contains(t, se.Failures, "dependent")
	require.NotContains(t, se.Failures, "docs")

	waitPhase(t, s, "docs", PhaseRunning)
	p, _ := s.Phase("dependent")
	require.Equal(t, PhaseTerminal, p)
}

func TestHealthyConditionGatesDependents(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	db := sleeper("mongo", 0, topology.RestartAlways)
	db.Health = &health.Spec{Test: []string{"CMD-SHELL", "true"}, Interval: 50 * time.Millisecond, Timeout: time.Second, Retries: 3}
	api := sleeper("api", 1, topology.RestartAlways)
	api.DependsOn = []topology.Dependency{{Service: "mongo", Condition: topology.ConditionHealthy}}

	require.NoError(t, s.Up(context.Background(), engine.LaunchPlan{Project: "demo", Services: []engine.ServiceSpec{db, api}}))
	waitPhase(t, s, "mongo", PhaseHealthy)
	waitPhase(t, s, "api", PhaseRunning)
	require.Equal(t, string(health.Healthy), record(t, s, "mongo").Health)
}

func TestHealthyConditionTimesOut(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{StateDir: filepath.Join(dir, "st"), RepoRoot: dir, ReadyTimeout: 300 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = s.Down(context.Background()) }()

	db := sleeper("mongo", 0, topology.RestartAlways)
	db.Health = &health.Spec{Test: []string{"CMD-SHELL", "false"}, Interval: time.Second, Timeout: time.Second, Retries: 3, StartPeriod: time.Minute}
	api := sleeper("api", 1, topology.RestartAlways)
	api.DependsOn = []topology.Dependency{{Service: "mongo", Condition: topology.ConditionHealthy}}

	err = s.Up(context.Background(), engine.LaunchPlan{Project: "demo", Services: []engine.ServiceSpec{db, api}})
	var se *StartError
	require.ErrorAs(t, err, &se)
	require.Contains(t, se.Failures, "api")
	p, _ := s.Phase("mongo")
	require.Equal(t, PhaseStartingTimeout, p)
}

func TestResumeLeavesUnlessStoppedDown(t *testing.T) {
	prev := &state.State{Services: []state.ServiceRecord{
		{Name: "api", OperatorStopped: true, Restarts: 2},
		{Name: "mongo", OperatorStopped: true},
	}}
	s, _ := newTestSupervisor(t, prev)
	plan := engine.LaunchPlan{Project: "demo", Services: []engine.ServiceSpec{
		sleeper("api", 0, topology.RestartUnlessStopped),
		sleeper("mongo", 0, topology.RestartAlways),
	}}
	require.NoError(t, s.Up(context.Background(), plan))

	waitPhase(t, s, "mongo", PhaseRunning)
	rec := record(t, s, "api")
	require.Equal(t, string(PhaseStopped), rec.Phase)
	require.True(t, rec.OperatorStopped)
	require.Equal(t, 0, rec.PID)
	require.Equal(t, 2, rec.Restarts)
}

func TestExecRuntimeResolvesArtifactPaths(t *testing.T) {
	root := t.TempDir()
	rootfs := filepath.Join(root, "rootfs")
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "app", "api"), []byte("#!/bin/sh\n"), 0o755))

	r := &ExecRuntime{RepoRoot: root}
	l, err := r.Command(engine.LaunchPlan{}, engine.ServiceSpec{
		Name:     "api",
		Argv:     []string{"/app/api", "--verbose"},
		Cwd:      filepath.Join(rootfs, "app"),
		Env:      map[string]string{"RUN_MODE": "production"},
		Artifact: &engine.ArtifactRef{ID: "sha256:abc", RootFS: rootfs},
		Config:   &engine.ConfigMount{HostPath: "/state/api.json", Target: "/app/config/resolved.json"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(rootfs, "app", "api"), "--verbose"}, l.Argv)
	require.Equal(t, filepath.Join(rootfs, "app"), l.Dir)
	require.Contains(t, l.Env, "RUN_MODE=production")
	require.Contains(t, l.Env, engine.ConfigEnv+"=/state/api.json")

	_, err = r.Command(engine.LaunchPlan{}, engine.ServiceSpec{Name: "mongo", Image: "mongo:7"})
	require.Error(t, err)
}
