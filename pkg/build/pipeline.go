// Package build turns a build context and a recipe into an immutable artifact.
package build

import (
	"context"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/stackctl/pkg/events"
	"github.com/go-go-golems/stackctl/pkg/metrics"
	"github.com/go-go-golems/stackctl/pkg/recipe"
	"github.com/go-go-golems/stackctl/pkg/settings"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultConfigDir = "config"

type Request struct {
	Service  string
	Mode     settings.Mode
	Context  fs.FS
	Recipe   *recipe.Recipe
	Settings *settings.Bundle
	// ConfigDir is where the settings documents must be staged, relative to
	// the final stage WORKDIR.
	ConfigDir string
	Stdout    io.Writer
	Stderr    io.Writer
}

type Pipeline struct {
	Runner  Runner
	Store   Store
	Metrics *metrics.Recorder
	Bus     *events.Bus
	Now     func() time.Time
}

type FinishedEvent struct {
	Service  string `json:"service"`
	RunID    string `json:"run_id"`
	Artifact string `json:"artifact,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Publish builds the artifact and makes it the service's current artifact. On
// any failure the previously published artifact is left untouched.
func (p *Pipeline) Publish(ctx context.Context, req Request) (*Artifact, error) {
	a, t, err := p.Build(ctx, req)
	if err != nil {
		return nil, err
	}
	if p.Store == nil {
		return nil, errors.New("pipeline has no artifact store")
	}
	if err := p.Store.Publish(a, t); err != nil {
		return nil, err
	}
	log.Info().Str("service", a.Service).Str("artifact", a.ID.String()).Int("files", len(a.Files)).Msg("artifact published")
	return a, nil
}

// Build runs all stages sequentially and returns the final-stage artifact and
// tree. Nothing is written to the store.
func (p *Pipeline) Build(ctx context.Context, req Request) (*Artifact, Tree, error) {
	if req.Recipe == nil || len(req.Recipe.Stages) == 0 {
		return nil, nil, errors.New("build request has no recipe")
	}
	if req.Context == nil {
		return nil, nil, errors.New("build request has no context")
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	runID := uuid.NewString()
	started := now()
	logger := log.With().Str("service", req.Service).Str("run", runID).Str("mode", string(req.Mode)).Logger()
	logger.Info().Int("stages", len(req.Recipe.Stages)).Msg("build started")
	_ = p.Bus.Publish(events.TopicBuild, events.TypeBuildStarted, FinishedEvent{Service: req.Service, RunID: runID})

	a, t, err := p.run(ctx, req)
	p.Metrics.ObserveBuild(req.Service, string(req.Mode), now().Sub(started), err)

	ev := FinishedEvent{Service: req.Service, RunID: runID}
	if err != nil {
		ev.Error = err.Error()
		_ = p.Bus.Publish(events.TopicBuild, events.TypeBuildFinished, ev)
		logger.Error().Err(err).Msg("build failed")
		return nil, nil, err
	}
	a.RunID = runID
	a.BuiltAt = now().UTC()
	a.Recipe = req.Recipe.Path
	ev.Artifact = a.ID.String()
	_ = p.Bus.Publish(events.TopicBuild, events.TypeBuildFinished, ev)
	logger.Info().Str("artifact", a.ID.String()).Dur("took", now().Sub(started)).Msg("build finished")
	return a, t, nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (*Artifact, Tree, error) {
	r := req.Recipe
	if err := r.Validate(); err != nil {
		return nil, nil, err
	}
	runner := p.Runner
	if runner == nil {
		runner = SkipRunner{}
	}

	lastUse := map[int]int{}
	for _, st := range r.Stages {
		for _, ref := range stageRefs(st) {
			if prev, ok := r.Stage(ref); ok {
				lastUse[prev.Index] = st.Index
			}
		}
	}

	trees := map[int]Tree{}
	for i := range r.Stages {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		st := &r.Stages[i]
		t, err := p.runStage(ctx, req, runner, st, trees)
		if err != nil {
			return nil, nil, err
		}
		trees[st.Index] = t
		// drop intermediate filesystems once no later stage reads them
		for idx, last := range lastUse {
			if last == st.Index {
				delete(trees, idx)
			}
		}
	}

	final := r.Final()
	t := trees[final.Index]
	if req.Settings != nil {
		dir := req.ConfigDir
		if dir == "" {
			dir = DefaultConfigDir
		}
		for _, f := range req.Settings.Files() {
			want := path.Join(final.WorkDir, dir, filepath.Base(f))
			if _, ok := t[want]; !ok {
				return nil, nil, errors.Wrap(ErrConfigNotStaged, want)
			}
		}
	}
	return newArtifact(req.Service, string(req.Mode), final, t), t, nil
}

func (p *Pipeline) runStage(ctx context.Context, req Request, runner Runner, st *recipe.Stage, trees map[int]Tree) (Tree, error) {
	t := Tree{}
	env := map[string]string{}
	workdir := "/"
	if st.FromStage != "" {
		parent, _ := req.Recipe.Stage(st.FromStage)
		t = trees[parent.Index].Clone()
		for k, v := range parent.Env {
			env[k] = v
		}
		workdir = parent.WorkDir
	}

	for _, step := range st.Steps {
		switch step.Kind {
		case recipe.StepWorkDir:
			workdir = step.Dir
		case recipe.StepEnv:
			for k, v := range step.Env {
				env[k] = v
			}
		case recipe.StepCopy:
			var src source = contextSource{fsys: req.Context}
			if step.Copy.FromStage != "" {
				from, _ := req.Recipe.Stage(step.Copy.FromStage)
				src = stageSource{name: from.Key(), workdir: from.WorkDir, tree: trees[from.Index]}
			}
			if err := applyCopy(t, step.Copy, workdir, src); err != nil {
				var ce *CopyError
				if errors.As(err, &ce) {
					ce.Stage = st.Key()
					ce.Line = step.Line
				}
				return nil, err
			}
		case recipe.StepRun:
			out, err := runner.Run(ctx, RunRequest{
				Stage:     st.Key(),
				BaseImage: st.BaseImage,
				WorkDir:   workdir,
				Env:       copyEnv(env),
				Argv:      step.Run,
				Shell:     step.Shell,
				Tree:      t,
				Stdout:    req.Stdout,
				Stderr:    req.Stderr,
			})
			if err != nil {
				var se *StepError
				if errors.As(err, &se) {
					se.Line = step.Line
					return nil, se
				}
				return nil, &StepError{Stage: st.Key(), Line: step.Line, Argv: step.Run, ExitCode: -1, Err: err}
			}
			t = out
		}
	}
	return t, nil
}

// applyCopy copies only the listed sources. Destinations ending in "/" or
// receiving several files are directories.
func applyCopy(t Tree, op *recipe.CopyOp, workdir string, src source) error {
	dest := op.Dest
	dirDest := strings.HasSuffix(dest, "/") || dest == "." || len(op.Sources) > 1
	if !path.IsAbs(dest) {
		dest = path.Join(workdir, dest)
	}
	dest = path.Clean(dest)
	if len(t.Under(dest)) > 0 {
		dirDest = true
	}

	for _, s := range op.Sources {
		files, isDir, err := src.match(s)
		if err != nil {
			return &CopyError{Source: s, From: src.describe(), Err: err}
		}
		for rel, f := range files {
			var target string
			switch {
			case isDir || dirDest:
				target = path.Join(dest, rel)
			default:
				target = dest
			}
			t[target] = f
		}
	}
	return nil
}

func stageRefs(st recipe.Stage) []string {
	var out []string
	if st.FromStage != "" {
		out = append(out, st.FromStage)
	}
	for _, s := range st.Steps {
		if s.Kind == recipe.StepCopy && s.Copy.FromStage != "" {
			out = append(out, s.Copy.FromStage)
		}
	}
	return out
}

func copyEnv(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
