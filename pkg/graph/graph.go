// Package graph is a small directed acyclic graph used for build stage chaining
// and service start ordering.
package graph

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Graph stores edges as "node depends on dep".
type Graph struct {
	nodes map[string]struct{}
	deps  map[string]map[string]struct{}
}

type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

func New() *Graph {
	return &Graph{
		nodes: map[string]struct{}{},
		deps:  map[string]map[string]struct{}{},
	}
}

func (g *Graph) AddNode(n string) {
	g.nodes[n] = struct{}{}
}

// AddEdge records that from depends on to. Both nodes are added.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	if g.deps[from] == nil {
		g.deps[from] = map[string]struct{}{}
	}
	g.deps[from][to] = struct{}{}
}

func (g *Graph) Has(n string) bool {
	_, ok := g.nodes[n]
	return ok
}

func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Deps returns the direct dependencies of n, sorted.
func (g *Graph) Deps(n string) []string {
	out := make([]string, 0, len(g.deps[n]))
	for d := range g.deps[n] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the nodes that directly depend on n, sorted.
func (g *Graph) Dependents(n string) []string {
	var out []string
	for from, ds := range g.deps {
		if _, ok := ds[n]; ok {
			out = append(out, from)
		}
	}
	sort.Strings(out)
	return out
}

// TopoSort returns dependencies before dependents. Ties break lexically so the
// order is stable across runs.
func (g *Graph) TopoSort() ([]string, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range levels {
		out = append(out, l...)
	}
	return out, nil
}

// Levels groups nodes so that every node only depends on nodes in earlier levels.
func (g *Graph) Levels() ([][]string, error) {
	if cyc := g.findCycle(); cyc != nil {
		return nil, &CycleError{Path: cyc}
	}
	remaining := map[string]int{}
	for n := range g.nodes {
		remaining[n] = len(g.deps[n])
	}
	var levels [][]string
	for len(remaining) > 0 {
		var level []string
		for n, c := range remaining {
			if c == 0 {
				level = append(level, n)
			}
		}
		if len(level) == 0 {
			return nil, errors.New("graph: no progress while levelling")
		}
		sort.Strings(level)
		for _, n := range level {
			delete(remaining, n)
		}
		for n := range remaining {
			for _, done := range level {
				if _, ok := g.deps[n][done]; ok {
					remaining[n]--
				}
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var stack []string
	var found []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, d := range g.Deps(n) {
			switch color[d] {
			case grey:
				for i, s := range stack {
					if s == d {
						found = append(append([]string{}, stack[i:]...), d)
						return true
					}
				}
			case white:
				if visit(d) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range g.Nodes() {
		if color[n] == white && visit(n) {
			return found
		}
	}
	return nil
}
