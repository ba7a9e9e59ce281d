package engine

import (
	"time"

	"github.com/go-go-golems/stackctl/pkg/health"
	"github.com/go-go-golems/stackctl/pkg/topology"
)

// ServiceSpec is a fully resolved service, ready for a runtime to launch.
type ServiceSpec struct {
	Name string `json:"name"`
	// Priority is the dependency level; lower levels start first.
	Priority    int                    `json:"priority"`
	Image       string                 `json:"image,omitempty"`
	Argv        []string               `json:"argv,omitempty"`
	Entrypoint  []string               `json:"entrypoint,omitempty"`
	Command     []string               `json:"command,omitempty"`
	Cwd         string                 `json:"cwd,omitempty"`
	WorkDir     string                 `json:"workdir,omitempty"`
	Env         map[string]string      `json:"env,omitempty"`
	Ports       []topology.PortMapping `json:"ports,omitempty"`
	Mounts      []topology.Mount       `json:"mounts,omitempty"`
	Networks    []string               `json:"networks,omitempty"`
	Restart     topology.RestartPolicy `json:"restart"`
	MaxRestarts int                    `json:"max_restarts,omitempty"`
	Health      *health.Spec           `json:"health,omitempty"`
	DependsOn   []topology.Dependency  `json:"depends_on,omitempty"`
	StopGrace   time.Duration          `json:"stop_grace"`
	Artifact    *ArtifactRef           `json:"artifact,omitempty"`
	Config      *ConfigMount           `json:"config,omitempty"`
}

type ArtifactRef struct {
	ID     string `json:"id"`
	RootFS string `json:"rootfs"`
}

// ConfigMount places the resolved settings document inside the service.
type ConfigMount struct {
	HostPath string `json:"host_path"`
	Target   string `json:"target"`
}

type LaunchPlan struct {
	Project  string                      `json:"project"`
	Mode     string                      `json:"mode"`
	Services []ServiceSpec               `json:"services"`
	Networks map[string]topology.Network `json:"networks,omitempty"`
	Volumes  map[string]topology.Volume  `json:"volumes,omitempty"`
}

func (p LaunchPlan) Service(name string) (ServiceSpec, bool) {
	for _, s := range p.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceSpec{}, false
}

// Levels groups services by Priority, preserving plan order.
func (p LaunchPlan) Levels() [][]ServiceSpec {
	var out [][]ServiceSpec
	for _, s := range p.Services {
		if len(out) == 0 || out[len(out)-1][0].Priority != s.Priority {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], s)
	}
	return out
}
