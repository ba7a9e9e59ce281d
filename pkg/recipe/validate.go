package recipe

import (
	"fmt"
	"strings"

	"github.com/go-go-golems/stackctl/pkg/graph"
)

type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid recipe: " + strings.Join(e.Problems, "; ")
}

// Validate checks stage naming and ordering: every stage referenced by
// COPY --from or FROM must be declared before the stage that uses it.
func (r *Recipe) Validate() error {
	var problems []string
	seen := map[string]int{}
	for _, st := range r.Stages {
		if st.Name == "" {
			continue
		}
		if prev, ok := seen[st.Name]; ok {
			problems = append(problems, fmt.Sprintf("stage name %q used by stages %d and %d", st.Name, prev, st.Index))
			continue
		}
		seen[st.Name] = st.Index
	}

	for _, st := range r.Stages {
		for _, ref := range st.references() {
			idx, ok := r.indexOf(ref)
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("stage %s references unknown stage %q", st.Key(), ref))
			case idx >= st.Index:
				problems = append(problems, fmt.Sprintf("stage %s references stage %q which is not declared before it", st.Key(), ref))
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	if _, err := r.Graph().TopoSort(); err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	return nil
}

// Graph returns the stage dependency graph keyed by Stage.Key.
func (r *Recipe) Graph() *graph.Graph {
	g := graph.New()
	for _, st := range r.Stages {
		g.AddNode(st.Key())
		for _, ref := range st.references() {
			if idx, ok := r.indexOf(ref); ok {
				g.AddEdge(st.Key(), r.Stages[idx].Key())
			}
		}
	}
	return g
}

func (st Stage) references() []string {
	var out []string
	if st.FromStage != "" {
		out = append(out, st.FromStage)
	}
	for _, s := range st.Steps {
		if s.Kind == StepCopy && s.Copy.FromStage != "" {
			out = append(out, s.Copy.FromStage)
		}
	}
	return out
}

func (r *Recipe) indexOf(ref string) (int, bool) {
	for i, st := range r.Stages {
		if st.Name == ref || stageIndexKey(st.Index) == ref {
			return i, true
		}
	}
	return 0, false
}
