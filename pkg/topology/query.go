package topology

import (
	"fmt"
	"sort"
)

func (t *Topology) StartOrder() ([]string, error) {
	return t.Graph().TopoSort()
}

// Levels groups services that can start together once earlier levels are up.
func (t *Topology) Levels() ([][]string, error) {
	return t.Graph().Levels()
}

// CanResolve reports whether a can address b by service name, which requires
// a shared network.
func (t *Topology) CanResolve(a, b string) bool {
	sa, ok := t.Services[a]
	if !ok {
		return false
	}
	sb, ok := t.Services[b]
	if !ok {
		return false
	}
	for _, na := range sa.Networks {
		for _, nb := range sb.Networks {
			if na == nb {
				return true
			}
		}
	}
	return false
}

type PublishedPort struct {
	Service  string `json:"service"`
	Host     int    `json:"host"`
	Internal int    `json:"internal"`
	Protocol string `json:"protocol"`
	HostIP   string `json:"host_ip,omitempty"`
}

func (p PublishedPort) key() string {
	return fmt.Sprintf("%d/%s", p.Host, p.Protocol)
}

func (t *Topology) PublishedPorts() []PublishedPort {
	var out []PublishedPort
	for _, name := range t.ServiceNames() {
		for _, p := range t.Services[name].Ports {
			if p.Published == 0 {
				continue
			}
			out = append(out, PublishedPort{Service: name, Host: p.Published, Internal: p.Internal, Protocol: p.Protocol, HostIP: p.HostIP})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

type PortOverlap struct {
	Host     int    `json:"host"`
	Protocol string `json:"protocol"`
	Left     string `json:"left"`
	Right    string `json:"right"`
}

// PortOverlaps lists host ports claimed by both topologies. Such topologies can
// run on one host only one at a time.
func (t *Topology) PortOverlaps(other *Topology) []PortOverlap {
	mine := map[string]PublishedPort{}
	for _, p := range t.PublishedPorts() {
		mine[p.key()] = p
	}
	var out []PortOverlap
	for _, p := range other.PublishedPorts() {
		if m, ok := mine[p.key()]; ok {
			out = append(out, PortOverlap{
				Host:     p.Host,
				Protocol: p.Protocol,
				Left:     t.Name + "/" + m.Service,
				Right:    other.Name + "/" + p.Service,
			})
		}
	}
	return out
}
