// Package topology models a multi-service deployment: services, networks,
// volumes, restart policies and startup dependencies.
package topology

import (
	"time"

	"github.com/go-go-golems/stackctl/pkg/health"
)

type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartAlways        RestartPolicy = "always"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
	RestartOnFailure     RestartPolicy = "on-failure"
)

func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartNo, RestartAlways, RestartUnlessStopped, RestartOnFailure:
		return true
	}
	return false
}

const (
	ConditionStarted   = "service_started"
	ConditionHealthy   = "service_healthy"
	ConditionCompleted = "service_completed_successfully"
)

const DefaultStopGrace = 10 * time.Second

type Topology struct {
	Name     string              `json:"name"`
	Services map[string]*Service `json:"services"`
	Networks map[string]Network  `json:"networks"`
	Volumes  map[string]Volume   `json:"volumes"`
}

type Network struct {
	Name     string `json:"name"`
	External bool   `json:"external,omitempty"`
	Internal bool   `json:"internal,omitempty"`
}

type Volume struct {
	Name     string `json:"name"`
	External bool   `json:"external,omitempty"`
}

type BuildSource struct {
	Context string `json:"context"`
	Recipe  string `json:"recipe"`
	Target  string `json:"target,omitempty"`
}

type PortMapping struct {
	Internal  int    `json:"internal"`
	Published int    `json:"published,omitempty"`
	Protocol  string `json:"protocol"`
	HostIP    string `json:"host_ip,omitempty"`
}

type MountKind string

const (
	MountVolume MountKind = "volume"
	MountBind   MountKind = "bind"
	MountTmpfs  MountKind = "tmpfs"
)

type Mount struct {
	Kind     MountKind `json:"kind"`
	Source   string    `json:"source,omitempty"`
	Target   string    `json:"target"`
	ReadOnly bool      `json:"read_only,omitempty"`
}

type Dependency struct {
	Service   string `json:"service"`
	Condition string `json:"condition"`
}

type WatchRule struct {
	Path   string   `json:"path"`
	Action string   `json:"action"`
	Target string   `json:"target,omitempty"`
	Ignore []string `json:"ignore,omitempty"`
}

type Service struct {
	Name        string            `json:"name"`
	Build       *BuildSource      `json:"build,omitempty"`
	Image       string            `json:"image,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Entrypoint  []string          `json:"entrypoint,omitempty"`
	WorkDir     string            `json:"workdir,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Ports       []PortMapping     `json:"ports,omitempty"`
	Mounts      []Mount           `json:"mounts,omitempty"`
	Networks    []string          `json:"networks,omitempty"`
	Restart     RestartPolicy     `json:"restart"`
	// MaxRestarts bounds on-failure restarts; zero means unbounded.
	MaxRestarts int           `json:"max_restarts,omitempty"`
	Health      *health.Spec  `json:"health,omitempty"`
	DependsOn   []Dependency  `json:"depends_on,omitempty"`
	StopGrace   time.Duration `json:"stop_grace"`
	Watch       []WatchRule   `json:"watch,omitempty"`
}

func (s *Service) DependsOnService(name string) (Dependency, bool) {
	for _, d := range s.DependsOn {
		if d.Service == name {
			return d, true
		}
	}
	return Dependency{}, false
}
