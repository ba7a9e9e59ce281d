package supervise

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-go-golems/stackctl/pkg/engine"
	"github.com/go-go-golems/stackctl/pkg/topology"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Launch is the host process that represents one service instance.
type Launch struct {
	Argv []string
	Dir  string
	Env  []string
}

// Runtime translates plan services into host processes.
type Runtime interface {
	Name() string
	Prepare(ctx context.Context, plan engine.LaunchPlan) error
	Command(plan engine.LaunchPlan, svc engine.ServiceSpec) (Launch, error)
	// ProbeCommand wraps a health check command so it runs where the service runs.
	ProbeCommand(plan engine.LaunchPlan, svc engine.ServiceSpec) func([]string) []string
	// StopCommand returns a command that asks the service to stop, or nil to
	// signal the process group directly.
	StopCommand(plan engine.LaunchPlan, svc engine.ServiceSpec, grace time.Duration) []string
	Teardown(ctx context.Context, plan engine.LaunchPlan) error
}

func NewRuntime(name, repoRoot string) (Runtime, error) {
	switch name {
	case "", "exec":
		return &ExecRuntime{RepoRoot: repoRoot}, nil
	case "docker":
		return NewDockerRuntime(), nil
	}
	return nil, errors.Errorf("unknown runtime %q", name)
}

// ExecRuntime runs every service as a process group on the host. Networks,
// volumes and published ports are not isolated; services reach each other
// on localhost.
type ExecRuntime struct {
	RepoRoot string
}

var _ Runtime = (*ExecRuntime)(nil)

func (r *ExecRuntime) Name() string { return "exec" }

func (r *ExecRuntime) Prepare(_ context.Context, plan engine.LaunchPlan) error {
	for _, svc := range plan.Services {
		for _, m := range svc.Mounts {
			if m.Kind == topology.MountVolume {
				log.Debug().Str("service", svc.Name).Str("volume", m.Source).Msg("exec runtime ignores named volumes")
			}
		}
	}
	return nil
}

func (r *ExecRuntime) Command(_ engine.LaunchPlan, svc engine.ServiceSpec) (Launch, error) {
	if len(svc.Argv) == 0 {
		if svc.Image != "" {
			return Launch{}, errors.Errorf("service %q runs image %s without a command; use the docker runtime", svc.Name, svc.Image)
		}
		return Launch{}, errors.Errorf("service %q missing command", svc.Name)
	}
	argv := append([]string{}, svc.Argv...)
	if svc.Artifact != nil && filepath.IsAbs(argv[0]) {
		candidate := filepath.Join(svc.Artifact.RootFS, argv[0])
		if _, err := os.Stat(candidate); err == nil {
			argv[0] = candidate
		}
	}

	cwd := r.RepoRoot
	if svc.Cwd != "" {
		if filepath.IsAbs(svc.Cwd) {
			cwd = svc.Cwd
		} else {
			cwd = filepath.Join(r.RepoRoot, svc.Cwd)
		}
	}

	env := map[string]string{}
	for k, v := range svc.Env {
		env[k] = v
	}
	if svc.Config != nil {
		env[engine.ConfigEnv] = svc.Config.HostPath
	}
	return Launch{Argv: argv, Dir: cwd, Env: mergeEnv(os.Environ(), env)}, nil
}

func (r *ExecRuntime) ProbeCommand(engine.LaunchPlan, engine.ServiceSpec) func([]string) []string {
	return nil
}

func (r *ExecRuntime) StopCommand(engine.LaunchPlan, engine.ServiceSpec, time.Duration) []string {
	return nil
}

func (r *ExecRuntime) Teardown(context.Context, engine.LaunchPlan) error { return nil }

// mergeEnv appends extra onto base; later entries win for exec.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
