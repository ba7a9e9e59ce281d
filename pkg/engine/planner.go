package engine

import (
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/go-go-golems/stackctl/pkg/build"
	"github.com/go-go-golems/stackctl/pkg/health"
	"github.com/go-go-golems/stackctl/pkg/settings"
	"github.com/go-go-golems/stackctl/pkg/topology"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const ConfigEnv = "STACKCTL_CONFIG"

type Options struct {
	Strict bool
	// ModeEnv is injected into built services so the process sees the mode
	// the plan was resolved for.
	ModeEnv string
	// ConfigPath is the resolved settings document on the host.
	ConfigPath string
}

type Planner struct {
	Opts Options
}

// Plan resolves every service of the topology. Built services need a
// published artifact; image services run as declared.
func (p *Planner) Plan(topo *topology.Topology, mode settings.Mode, store build.Store) (LaunchPlan, error) {
	levels, err := topo.Levels()
	if err != nil {
		return LaunchPlan{}, err
	}
	priority := map[string]int{}
	for i, l := range levels {
		for _, n := range l {
			priority[n] = i
		}
	}

	plan := LaunchPlan{
		Project:  topo.Name,
		Mode:     string(mode),
		Networks: topo.Networks,
		Volumes:  topo.Volumes,
	}
	for _, name := range topo.ServiceNames() {
		svc := topo.Services[name]
		spec, err := p.resolve(svc, mode, store)
		if err != nil {
			return LaunchPlan{}, errors.Wrapf(err, "service %s", name)
		}
		spec.Priority = priority[name]
		plan.Services = append(plan.Services, spec)
	}
	sort.SliceStable(plan.Services, func(i, j int) bool {
		a, b := plan.Services[i], plan.Services[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Name < b.Name
	})
	return plan, nil
}

func (p *Planner) resolve(svc *topology.Service, mode settings.Mode, store build.Store) (ServiceSpec, error) {
	spec := ServiceSpec{
		Name:        svc.Name,
		Image:       svc.Image,
		WorkDir:     svc.WorkDir,
		Env:         map[string]string{},
		Ports:       svc.Ports,
		Mounts:      svc.Mounts,
		Networks:    svc.Networks,
		Restart:     svc.Restart,
		MaxRestarts: svc.MaxRestarts,
		Health:      svc.Health,
		DependsOn:   svc.DependsOn,
		StopGrace:   svc.StopGrace,
	}
	entrypoint, command := svc.Entrypoint, svc.Command

	if svc.Build != nil {
		if store == nil {
			return ServiceSpec{}, errors.New("no artifact store")
		}
		a, err := store.Current(svc.Name)
		if err != nil {
			return ServiceSpec{}, err
		}
		spec.Image = a.BaseImage
		spec.Artifact = &ArtifactRef{ID: a.ID.String(), RootFS: store.RootFS(svc.Name)}
		if spec.WorkDir == "" {
			spec.WorkDir = a.WorkDir
		}
		spec.Cwd = filepath.Join(spec.Artifact.RootFS, filepath.FromSlash(spec.WorkDir))
		for k, v := range a.Env {
			spec.Env[k] = v
		}
		if len(entrypoint) == 0 {
			entrypoint = a.Entrypoint
		}
		if len(command) == 0 && len(svc.Entrypoint) == 0 {
			command = a.Cmd
		}
		if spec.Health == nil && a.Healthcheck != nil {
			h := health.Spec{
				Test:        a.Healthcheck.Test,
				Interval:    a.Healthcheck.Interval,
				Timeout:     a.Healthcheck.Timeout,
				StartPeriod: a.Healthcheck.StartPeriod,
				Retries:     a.Healthcheck.Retries,
			}.WithDefaults()
			spec.Health = &h
		}
		if p.Opts.ModeEnv != "" {
			if cur, ok := svc.Environment[p.Opts.ModeEnv]; ok && cur != string(mode) {
				if p.Opts.Strict {
					return ServiceSpec{}, errors.Errorf("%s=%s conflicts with mode %s", p.Opts.ModeEnv, cur, mode)
				}
				log.Warn().Str("service", svc.Name).Str("declared", cur).Str("mode", string(mode)).Msg("overriding declared runtime mode")
			}
			spec.Env[p.Opts.ModeEnv] = string(mode)
		}
		if p.Opts.ConfigPath != "" {
			spec.Config = &ConfigMount{
				HostPath: p.Opts.ConfigPath,
				Target:   path.Join(spec.WorkDir, build.DefaultConfigDir, "resolved.json"),
			}
		}
	}
	for k, v := range svc.Environment {
		if k == p.Opts.ModeEnv && svc.Build != nil {
			continue
		}
		spec.Env[k] = v
	}
	if spec.Config != nil {
		spec.Env[ConfigEnv] = spec.Config.Target
	}
	spec.Entrypoint, spec.Command = entrypoint, command
	spec.Argv = append(append([]string{}, entrypoint...), command...)
	if spec.StopGrace <= 0 {
		spec.StopGrace = topology.DefaultStopGrace
	}
	return spec, nil
}

// WriteResolvedConfig stores the resolved settings document under dir and
// returns its path.
func WriteResolvedConfig(dir string, b *settings.Bundle) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "mkdir config dir")
	}
	p := filepath.Join(dir, "resolved."+string(b.Mode)+".json")
	f, err := os.Create(p)
	if err != nil {
		return "", errors.Wrap(err, "create resolved config")
	}
	defer func() { _ = f.Close() }()
	if err := settings.Dump(f, b.Resolved, "json"); err != nil {
		return "", errors.Wrap(err, "write resolved config")
	}
	return p, nil
}

