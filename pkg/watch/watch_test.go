package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu         sync.Mutex
	calls      []string
	rebuildErr error
	onRebuild  func()
}

func (f *fakeTarget) Name() string { return "fake" }

func (f *fakeTarget) record(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeTarget) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakeTarget) count(c string) int {
	n := 0
	for _, x := range f.Calls() {
		if x == c {
			n++
		}
	}
	return n
}

func (f *fakeTarget) Stop(context.Context) error { f.record("stop"); return nil }

func (f *fakeTarget) Rebuild(context.Context) error {
	f.record("rebuild")
	if f.onRebuild != nil {
		f.onRebuild()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebuildErr
}

func (f *fakeTarget) Start(context.Context) error { f.record("start"); return nil }

func TestLoopCoalescesBurst(t *testing.T) {
	var cycles atomic.Int32
	l := newLoop(30*time.Millisecond, func(context.Context) error {
		cycles.Add(1)
		return nil
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx)

	for i := 0; i < 5; i++ {
		l.trigger()
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return cycles.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), cycles.Load())
}

func TestLoopRunsOneFollowUpCycle(t *testing.T) {
	release := make(chan struct{})
	var cycles atomic.Int32
	l := newLoop(10*time.Millisecond, func(context.Context) error {
		if cycles.Add(1) == 1 {
			<-release
		}
		return nil
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx)

	l.trigger()
	require.Eventually(t, func() bool { return cycles.Load() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 3; i++ {
		l.trigger()
		time.Sleep(30 * time.Millisecond)
	}
	close(release)

	require.Eventually(t, func() bool { return cycles.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(2), cycles.Load())
	l.wait()
}

func TestLoopStartsNoCycleAfterWait(t *testing.T) {
	var cycles atomic.Int32
	l := newLoop(10*time.Millisecond, func(context.Context) error {
		cycles.Add(1)
		return nil
	}, nil)
	l.wait()
	// a request already queued when the watcher shut down
	l.req <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		l.run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop kept running after wait")
	}
	require.Zero(t, cycles.Load())
}

func TestCycleSkipsStartWhenCancelledDuringRebuild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target := &fakeTarget{onRebuild: cancel}
	w, err := New(target, Options{Roots: []string{t.TempDir()}})
	require.NoError(t, err)

	err = w.cycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"stop", "rebuild"}, target.Calls())
}

func TestCycleLeavesTargetStoppedOnRebuildFailure(t *testing.T) {
	target := &fakeTarget{rebuildErr: errors.New("compile error")}
	w, err := New(target, Options{Roots: []string{t.TempDir()}})
	require.NoError(t, err)

	err = w.cycle(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "compile error")
	require.Equal(t, []string{"stop", "rebuild"}, target.Calls())

	target.rebuildErr = nil
	require.NoError(t, w.cycle(context.Background()))
	require.Equal(t, []string{"stop", "rebuild", "stop", "rebuild", "start"}, target.Calls())
}

func TestIgnored(t *testing.T) {
	root := t.TempDir()
	w, err := New(&fakeTarget{}, Options{Roots: []string{root}, Ignore: []string{"dist", "*.log"}})
	require.NoError(t, err)

	require.True(t, w.Ignored(filepath.Join(root, ".git", "HEAD")))
	require.True(t, w.Ignored(filepath.Join(root, ".git")))
	require.True(t, w.Ignored(filepath.Join(root, "dist", "app.js")))
	require.True(t, w.Ignored(filepath.Join(root, "src", "server.log")))
	require.True(t, w.Ignored(filepath.Join(root, "src", "main.go.swp")))
	require.True(t, w.Ignored(filepath.Join(root, "src", ".#main.go")))
	require.False(t, w.Ignored(filepath.Join(root, "src", "main.go")))
}

func TestWatcherRebuildsOnChange(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	target := &fakeTarget{}
	w, err := New(target, Options{Roots: []string{root}, Debounce: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return target.count("start") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"rebuild", "start"}, target.Calls())

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "index"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, target.count("rebuild"))

	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0o644))
	require.Eventually(t, func() bool { return target.count("start") == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "internal"), 0o755))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "internal", "x.go"), []byte("package internal"), 0o644))
	require.Eventually(t, func() bool { return target.count("start") >= 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	calls := target.Calls()
	require.Equal(t, "stop", calls[len(calls)-1])
}

func TestWatcherRebuildsOnFileRoot(t *testing.T) {
	root := t.TempDir()
	manifest := filepath.Join(root, "go.mod")
	require.NoError(t, os.WriteFile(manifest, []byte("module example.com/api\n"), 0o644))
	target := &fakeTarget{}
	w, err := New(target, Options{Roots: []string{manifest}, Debounce: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return target.count("start") == 1 }, 2*time.Second, 10*time.Millisecond)

	// siblings of a file root are not watched
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, target.count("rebuild"))

	require.NoError(t, os.WriteFile(manifest, []byte("module example.com/api\n\ngo 1.22\n"), 0o644))
	require.Eventually(t, func() bool { return target.count("start") == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, target.count("rebuild"))

	cancel()
	require.NoError(t, <-errCh)
}

func TestCommandTarget(t *testing.T) {
	dir := t.TempDir()
	target := &CommandTarget{
		Build: []string{"sh", "-c", "echo built >> build.log"},
		Run:   []string{"sh", "-c", "sleep 30"},
		Dir:   dir,
		Grace: 2 * time.Second,
	}
	ctx := context.Background()
	require.NoError(t, target.Rebuild(ctx))
	b, err := os.ReadFile(filepath.Join(dir, "build.log"))
	require.NoError(t, err)
	require.Equal(t, "built\n", string(b))

	require.NoError(t, target.Start(ctx))
	pid := target.Running()
	require.NotZero(t, pid)
	require.Error(t, target.Start(ctx))

	require.NoError(t, target.Stop(ctx))
	require.Zero(t, target.Running())
	require.Eventually(t, func() bool { return !state.ProcessAlive(pid) }, 3*time.Second, 20*time.Millisecond)

	failing := &CommandTarget{Build: []string{"sh", "-c", "exit 2"}, Dir: dir}
	require.Error(t, failing.Rebuild(ctx))
}

func TestSplitArgs(t *testing.T) {
	build, run := SplitArgs([]string{"go", "build", "-o", "bin/api", ":::", "bin/api", "--dev"})
	require.Equal(t, []string{"go", "build", "-o", "bin/api"}, build)
	require.Equal(t, []string{"bin/api", "--dev"}, run)

	build, run = SplitArgs([]string{"npm", "start"})
	require.Nil(t, build)
	require.Equal(t, []string{"npm", "start"}, run)
}
