package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-go-golems/stackctl/pkg/graph"
)

type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid topology: " + strings.Join(e.Problems, "; ")
}

// Validate collects every structural problem of the topology.
func (t *Topology) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	volumeOwner := map[string]string{}
	hostPorts := map[string]string{}

	for _, name := range t.ServiceNames() {
		svc := t.Services[name]
		if svc.Build == nil && svc.Image == "" {
			add("service %s has neither a build nor an image", name)
		}
		if !svc.Restart.Valid() {
			add("service %s: unknown restart policy %q", name, svc.Restart)
		}
		for _, d := range svc.DependsOn {
			if _, ok := t.Services[d.Service]; !ok {
				add("service %s depends on undeclared service %s", name, d.Service)
			}
			switch d.Condition {
			case ConditionStarted, ConditionHealthy, ConditionCompleted:
			default:
				add("service %s: unknown dependency condition %q", name, d.Condition)
			}
			if d.Condition == ConditionHealthy {
				if dep, ok := t.Services[d.Service]; ok && (dep.Health == nil || dep.Health.Disabled) {
					add("service %s waits for %s to be healthy but %s has no health probe", name, d.Service, d.Service)
				}
			}
		}
		for _, n := range svc.Networks {
			if _, ok := t.Networks[n]; !ok {
				add("service %s joins undeclared network %s", name, n)
			}
		}
		for _, m := range svc.Mounts {
			if m.Kind != MountVolume || m.Source == "" {
				continue
			}
			if _, ok := t.Volumes[m.Source]; !ok {
				add("service %s mounts undeclared volume %s", name, m.Source)
				continue
			}
			key := m.Source
			owner := name + ":" + m.Target
			if prev, ok := volumeOwner[key]; ok && prev != owner {
				add("volume %s is mounted by %s and %s; a volume has exactly one owner path", key, prev, owner)
				continue
			}
			volumeOwner[key] = owner
		}
		for _, p := range svc.Ports {
			if p.Published == 0 {
				continue
			}
			key := fmt.Sprintf("%s:%d/%s", p.HostIP, p.Published, p.Protocol)
			if prev, ok := hostPorts[key]; ok {
				add("host port %d/%s is published by both %s and %s", p.Published, p.Protocol, prev, name)
				continue
			}
			hostPorts[key] = name
		}
		if svc.Health != nil {
			if err := svc.Health.Validate(); err != nil {
				add("service %s: %v", name, err)
			}
		}
	}

	if len(problems) == 0 {
		if _, err := t.Graph().TopoSort(); err != nil {
			add("%v", err)
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Graph returns the startup dependency graph; undeclared dependencies are
// ignored here and reported by Validate.
func (t *Topology) Graph() *graph.Graph {
	g := graph.New()
	for name, svc := range t.Services {
		g.AddNode(name)
		for _, d := range svc.DependsOn {
			if _, ok := t.Services[d.Service]; ok {
				g.AddEdge(name, d.Service)
			}
		}
	}
	return g
}

func (t *Topology) ServiceNames() []string {
	out := make([]string, 0, len(t.Services))
	for n := range t.Services {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
