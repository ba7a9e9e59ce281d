package topology

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/compose-spec/compose-go/v2/loader"
	composeTypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/go-go-golems/stackctl/pkg/health"
	"github.com/pkg/errors"
)

type LoadOptions struct {
	Path       string
	Project    string
	WorkingDir string
	// Env is the only source for ${VAR} interpolation in the manifest.
	Env map[string]string
}

// Load reads a compose manifest and validates the resulting topology. Every
// topology error surfaces here, before anything is started.
func Load(ctx context.Context, opts LoadOptions) (*Topology, error) {
	content, err := os.ReadFile(opts.Path)
	if err != nil {
		return nil, errors.Wrap(err, "read topology manifest")
	}
	wd := opts.WorkingDir
	if wd == "" {
		wd = filepath.Dir(opts.Path)
	}
	details := composeTypes.ConfigDetails{
		WorkingDir: wd,
		ConfigFiles: []composeTypes.ConfigFile{
			{Filename: opts.Path, Content: content},
		},
		Environment: composeTypes.Mapping(opts.Env),
	}
	project, err := loader.LoadWithContext(ctx, details, func(o *loader.Options) {
		if opts.Project != "" {
			o.SetProjectName(opts.Project, true)
		}
		o.SkipConsistencyCheck = true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", opts.Path)
	}
	t, err := FromCompose(project)
	if err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// FromCompose converts a compose project into the native model without
// validating it.
func FromCompose(p *composeTypes.Project) (*Topology, error) {
	t := &Topology{
		Name:     p.Name,
		Services: map[string]*Service{},
		Networks: map[string]Network{},
		Volumes:  map[string]Volume{},
	}
	for name, n := range p.Networks {
		t.Networks[name] = Network{Name: n.Name, External: bool(n.External), Internal: n.Internal}
	}
	for name, v := range p.Volumes {
		t.Volumes[name] = Volume{Name: v.Name, External: bool(v.External)}
	}
	for name, sc := range p.Services {
		svc, err := convertService(name, sc)
		if err != nil {
			return nil, errors.Wrapf(err, "service %s", name)
		}
		t.Services[name] = svc
	}
	return t, nil
}

func convertService(name string, sc composeTypes.ServiceConfig) (*Service, error) {
	svc := &Service{
		Name:        name,
		Image:       sc.Image,
		Command:     []string(sc.Command),
		Entrypoint:  []string(sc.Entrypoint),
		WorkDir:     sc.WorkingDir,
		Environment: map[string]string{},
		StopGrace:   DefaultStopGrace,
	}
	if sc.Build != nil {
		recipe := sc.Build.Dockerfile
		if recipe == "" {
			recipe = "Dockerfile"
		}
		if !filepath.IsAbs(recipe) {
			recipe = filepath.Join(sc.Build.Context, recipe)
		}
		svc.Build = &BuildSource{Context: sc.Build.Context, Recipe: recipe, Target: sc.Build.Target}
	}
	for k, v := range sc.Environment {
		if v != nil {
			svc.Environment[k] = *v
		}
	}

	for _, p := range sc.Ports {
		pm := PortMapping{Internal: int(p.Target), Protocol: p.Protocol, HostIP: p.HostIP}
		if pm.Protocol == "" {
			pm.Protocol = "tcp"
		}
		if p.Published != "" {
			n, err := strconv.Atoi(p.Published)
			if err != nil {
				return nil, errors.Errorf("published port %q: ranges are not supported", p.Published)
			}
			pm.Published = n
		}
		svc.Ports = append(svc.Ports, pm)
	}

	for _, v := range sc.Volumes {
		m := Mount{Kind: MountKind(v.Type), Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly}
		if m.Kind == "" {
			m.Kind = MountVolume
		}
		svc.Mounts = append(svc.Mounts, m)
	}

	for n := range sc.Networks {
		svc.Networks = append(svc.Networks, n)
	}
	sort.Strings(svc.Networks)

	restart, max, err := parseRestart(sc.Restart)
	if err != nil {
		return nil, err
	}
	svc.Restart, svc.MaxRestarts = restart, max

	if hc := sc.HealthCheck; hc != nil {
		spec := health.Spec{Test: []string(hc.Test), Disabled: hc.Disable}
		if hc.Interval != nil {
			spec.Interval = time.Duration(*hc.Interval)
		}
		if hc.Timeout != nil {
			spec.Timeout = time.Duration(*hc.Timeout)
		}
		if hc.StartPeriod != nil {
			spec.StartPeriod = time.Duration(*hc.StartPeriod)
		}
		if hc.Retries != nil {
			spec.Retries = int(*hc.Retries)
		}
		spec = spec.WithDefaults()
		svc.Health = &spec
	}

	deps := make([]string, 0, len(sc.DependsOn))
	for d := range sc.DependsOn {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	for _, d := range deps {
		cond := sc.DependsOn[d].Condition
		if cond == "" {
			cond = ConditionStarted
		}
		svc.DependsOn = append(svc.DependsOn, Dependency{Service: d, Condition: cond})
	}

	if sc.StopGracePeriod != nil {
		svc.StopGrace = time.Duration(*sc.StopGracePeriod)
	}
	if sc.Develop != nil {
		for _, w := range sc.Develop.Watch {
			svc.Watch = append(svc.Watch, WatchRule{Path: w.Path, Action: string(w.Action), Target: w.Target, Ignore: w.Ignore})
		}
	}
	return svc, nil
}

func parseRestart(s string) (RestartPolicy, int, error) {
	if s == "" {
		return RestartNo, 0, nil
	}
	policy, count, hasCount := strings.Cut(s, ":")
	p := RestartPolicy(policy)
	if !p.Valid() {
		return "", 0, errors.Errorf("unknown restart policy %q", s)
	}
	if !hasCount {
		return p, 0, nil
	}
	if p != RestartOnFailure {
		return "", 0, errors.Errorf("restart policy %q does not take a retry count", s)
	}
	n, err := strconv.Atoi(count)
	if err != nil || n < 0 {
		return "", 0, errors.Errorf("invalid restart retry count in %q", s)
	}
	return p, n, nil
}
