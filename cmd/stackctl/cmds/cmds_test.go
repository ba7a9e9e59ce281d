package cmds

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func testRoot(t *testing.T) *cobra.Command {
	t.Helper()
	root := &cobra.Command{Use: "stackctl"}
	require.NoError(t, AddRootFlags(root))
	return root
}

func TestRootOptionsFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STACKCTL_REPO_ROOT", dir)
	t.Setenv("STACKCTL_MODE", "development")
	t.Setenv("STACKCTL_TIMEOUT", "5s")
	root := testRoot(t)

	opts, err := getRootOptions(root)
	require.NoError(t, err)
	require.Equal(t, dir, opts.RepoRoot)
	require.Equal(t, "development", opts.Mode)
	require.Equal(t, 5*time.Second, opts.Timeout)

	require.NoError(t, root.PersistentFlags().Set("mode", "production"))
	opts, err = getRootOptions(root)
	require.NoError(t, err)
	require.Equal(t, "production", opts.Mode)
}

func TestLogPathFallsBackToNamingScheme(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, filepath.Join(dir, "logs", "api.stderr.log"), logPath(dir, "api", true))

	require.NoError(t, state.Save(dir, &state.State{Services: []state.ServiceRecord{
		{Name: "api", StdoutLog: "/var/log/api.out"},
	}}))
	require.Equal(t, "/var/log/api.out", logPath(dir, "api", false))
}

func TestFollowFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.stdout.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var buf bytes.Buffer
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})
	done := make(chan error, 1)
	go func() { done <- followFile(ctx, path, w, 10*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("new\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return buf.String() == "new\n"
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestPreviousState(t *testing.T) {
	dir := t.TempDir()
	prev, err := previousState(dir)
	require.NoError(t, err)
	require.Nil(t, prev)

	require.NoError(t, state.Save(dir, &state.State{PID: os.Getpid()}))
	_, err = previousState(dir)
	require.Error(t, err)

	require.NoError(t, state.Save(dir, &state.State{PID: 0, Project: "meditation"}))
	prev, err = previousState(dir)
	require.NoError(t, err)
	require.Equal(t, "meditation", prev.Project)
}
