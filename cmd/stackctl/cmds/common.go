package cmds

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-go-golems/stackctl/pkg/control"
	"github.com/go-go-golems/stackctl/pkg/repository"
	"github.com/go-go-golems/stackctl/pkg/stack"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type rootOptions struct {
	RepoRoot string
	Config   string
	Mode     string
	Strict   bool
	DryRun   bool
	Timeout  time.Duration
}

// rootEnv maps root flags to the environment variables that can set them.
// STACKCTL_CONFIG is taken by the resolved settings path handed to services,
// so the project file uses STACKCTL_PROJECT_FILE.
var rootEnv = map[string]string{
	"repo-root": "STACKCTL_REPO_ROOT",
	"config":    "STACKCTL_PROJECT_FILE",
	"mode":      "STACKCTL_MODE",
	"strict":    "STACKCTL_STRICT",
	"dry-run":   "STACKCTL_DRY_RUN",
	"timeout":   "STACKCTL_TIMEOUT",
}

func AddRootFlags(root *cobra.Command) error {
	pf := root.PersistentFlags()
	pf.String("repo-root", "", "Repository root (defaults to current directory)")
	pf.String("config", "", "Path to the project file (defaults to stackctl.yaml under repo-root)")
	pf.String("mode", "", "Runtime mode (defaults to the mode variable, RUN_MODE unless configured)")
	pf.Bool("strict", false, "Treat unresolvable settings and artifacts as errors")
	pf.Bool("dry-run", false, "Skip RUN steps when building")
	pf.Duration("timeout", 30*time.Second, "Timeout for control requests")

	for key, env := range rootEnv {
		if err := viper.BindPFlag(key, pf.Lookup(key)); err != nil {
			return errors.Wrapf(err, "bind flag %s", key)
		}
		if err := viper.BindEnv(key, env); err != nil {
			return errors.Wrapf(err, "bind env %s", env)
		}
	}
	return nil
}

func getRootOptions(*cobra.Command) (rootOptions, error) {
	repoRoot := viper.GetString("repo-root")
	var err error
	if repoRoot == "" {
		repoRoot, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	repoRoot, err = filepath.Abs(repoRoot)
	if err != nil {
		return rootOptions{}, err
	}

	timeout := viper.GetDuration("timeout")
	if timeout <= 0 {
		return rootOptions{}, errors.New("timeout must be > 0")
	}

	return rootOptions{
		RepoRoot: repoRoot,
		Config:   viper.GetString("config"),
		Mode:     viper.GetString("mode"),
		Strict:   viper.GetBool("strict"),
		DryRun:   viper.GetBool("dry-run"),
		Timeout:  timeout,
	}, nil
}

func openProject(ctx context.Context, opts rootOptions) (*stack.Project, error) {
	return stack.Open(ctx, stack.Options{
		RepoRoot:   opts.RepoRoot,
		ConfigPath: opts.Config,
		Mode:       opts.Mode,
		Environ:    os.Environ(),
		Strict:     opts.Strict,
	})
}

// stateDir resolves the state directory without loading the topology, so
// status and down keep working when the project files are broken.
func stateDir(opts rootOptions) (string, error) {
	repo, err := repository.Load(repository.Options{RepoRoot: opts.RepoRoot, ConfigPath: opts.Config})
	if err != nil {
		return "", err
	}
	return repo.StateDir(), nil
}

// controlClient returns a client for the running supervisor, or an error
// when no supervisor answers on the socket.
func controlClient(ctx context.Context, opts rootOptions) (*control.Client, error) {
	dir, err := stateDir(opts)
	if err != nil {
		return nil, err
	}
	socket := state.SocketPath(dir)
	if !control.Reachable(ctx, socket) {
		return nil, errors.New("stack is not up (no supervisor on " + socket + ")")
	}
	return control.NewClient(socket), nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// pidDone is closed once pid no longer exists.
func pidDone(ctx context.Context, pid int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for state.ProcessAlive(pid) {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return done
}
