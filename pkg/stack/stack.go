// Package stack loads everything one mode of a project needs: settings,
// topology, recipes and artifacts.
package stack

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-go-golems/stackctl/pkg/build"
	"github.com/go-go-golems/stackctl/pkg/config"
	"github.com/go-go-golems/stackctl/pkg/engine"
	"github.com/go-go-golems/stackctl/pkg/recipe"
	"github.com/go-go-golems/stackctl/pkg/repository"
	"github.com/go-go-golems/stackctl/pkg/settings"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/go-go-golems/stackctl/pkg/topology"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	RepoRoot   string
	ConfigPath string
	// Mode overrides the mode selector variable when set.
	Mode string
	// Environ is the process environment; the env file is layered under it.
	Environ []string
	Strict  bool
}

type Project struct {
	Repo        *repository.Repository
	Mode        settings.Mode
	Environment config.Environment
	Env         map[string]string
	Settings    *settings.Bundle
	Topology    *topology.Topology
	Strict      bool
}

func Open(ctx context.Context, opts Options) (*Project, error) {
	repo, err := repository.Load(repository.Options{RepoRoot: opts.RepoRoot, ConfigPath: opts.ConfigPath})
	if err != nil {
		return nil, err
	}
	fileEnv, err := repo.LoadEnvFile()
	if err != nil {
		return nil, err
	}
	env := repository.Environ(fileEnv, opts.Environ)

	var mode settings.Mode
	if opts.Mode != "" {
		mode, err = settings.ParseMode(opts.Mode)
	} else {
		mode, err = settings.ModeFromLookup(repo.Config.ModeEnv, repository.Lookup(env))
	}
	if err != nil {
		return nil, err
	}
	env[repo.Config.ModeEnv] = string(mode)

	envCfg, err := repo.Environment(mode)
	if err != nil {
		return nil, err
	}
	bundle, err := repo.SettingsLoader().Load(mode)
	if err != nil {
		return nil, err
	}
	topo, err := topology.Load(ctx, topology.LoadOptions{
		Path:       envCfg.Topology,
		Project:    repo.Config.Project,
		WorkingDir: repo.Root,
		Env:        env,
	})
	if err != nil {
		return nil, err
	}
	if envCfg.Grace > 0 {
		for _, svc := range topo.Services {
			svc.StopGrace = envCfg.Grace
		}
	}

	strict := opts.Strict || repo.Config.Strictness == "error"
	log.Debug().Str("mode", string(mode)).Str("topology", envCfg.Topology).Int("services", len(topo.Services)).Msg("project loaded")
	return &Project{
		Repo:        repo,
		Mode:        mode,
		Environment: envCfg,
		Env:         env,
		Settings:    bundle,
		Topology:    topo,
		Strict:      strict,
	}, nil
}

func (p *Project) StateDir() string { return p.Repo.StateDir() }

func (p *Project) Store() build.DiskStore {
	return build.DiskStore{Root: filepath.Join(p.StateDir(), state.ArtifactsDir)}
}

// BuiltServices lists services that declare a build, sorted by name.
func (p *Project) BuiltServices() []string {
	var out []string
	for name, svc := range p.Topology.Services {
		if svc.Build != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Recipe parses the service's recipe, truncated at its build target.
func (p *Project) Recipe(service string) (*recipe.Recipe, error) {
	svc, ok := p.Topology.Services[service]
	if !ok {
		return nil, errors.Errorf("unknown service %q", service)
	}
	if svc.Build == nil {
		return nil, errors.Errorf("service %s has no build", service)
	}
	r, err := recipe.ParseFile(svc.Build.Recipe)
	if err != nil {
		return nil, err
	}
	return r.Target(svc.Build.Target)
}

func (p *Project) BuildRequest(service string, stdout, stderr io.Writer) (build.Request, error) {
	r, err := p.Recipe(service)
	if err != nil {
		return build.Request{}, err
	}
	svc := p.Topology.Services[service]
	return build.Request{
		Service:   service,
		Mode:      p.Mode,
		Context:   os.DirFS(svc.Build.Context),
		Recipe:    r,
		Settings:  p.Settings,
		ConfigDir: p.Repo.Config.SettingsDir,
		Stdout:    stdout,
		Stderr:    stderr,
	}, nil
}

// Build publishes artifacts for services in parallel. A failed service
// keeps its last published artifact; the first error is returned after all
// builds finished.
func (p *Project) Build(ctx context.Context, pl *build.Pipeline, services []string, stdout, stderr io.Writer) (map[string]*build.Artifact, error) {
	if len(services) == 0 {
		services = p.BuiltServices()
	}
	var mu sync.Mutex
	out := map[string]*build.Artifact{}
	var g errgroup.Group
	for _, name := range services {
		g.Go(func() error {
			req, err := p.BuildRequest(name, stdout, stderr)
			if err != nil {
				return errors.Wrapf(err, "service %s", name)
			}
			a, err := pl.Publish(ctx, req)
			if err != nil {
				return errors.Wrapf(err, "build %s", name)
			}
			mu.Lock()
			out[name] = a
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return out, err
}

// Plan writes the resolved settings to the state directory and resolves the
// launch plan against the published artifacts.
func (p *Project) Plan() (engine.LaunchPlan, error) {
	cfgPath, err := engine.WriteResolvedConfig(filepath.Join(p.StateDir(), "config"), p.Settings)
	if err != nil {
		return engine.LaunchPlan{}, err
	}
	planner := &engine.Planner{Opts: engine.Options{
		Strict:     p.Strict,
		ModeEnv:    p.Repo.Config.ModeEnv,
		ConfigPath: cfgPath,
	}}
	return planner.Plan(p.Topology, p.Mode, p.Store())
}

// WatchRoots returns the directories and files whose changes rebuild service.
func (p *Project) WatchRoots(service string) []string {
	svc := p.Topology.Services[service]
	var roots []string
	seen := map[string]bool{}
	add := func(r string) {
		if r != "" && !seen[r] {
			seen[r] = true
			roots = append(roots, r)
		}
	}
	for _, rule := range svc.Watch {
		if rule.Path == "" {
			continue
		}
		if filepath.IsAbs(rule.Path) {
			add(rule.Path)
		} else {
			add(filepath.Join(p.Repo.Root, rule.Path))
		}
	}
	if len(roots) == 0 && svc.Build != nil {
		add(svc.Build.Context)
	}
	return roots
}

// WatchIgnore collects the ignore patterns of service's watch rules and the
// environment.
func (p *Project) WatchIgnore(service string) []string {
	out := append([]string{}, p.Environment.Ignore...)
	for _, rule := range p.Topology.Services[service].Watch {
		out = append(out, rule.Ignore...)
	}
	return out
}
