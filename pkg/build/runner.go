package build

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type RunRequest struct {
	Stage     string
	BaseImage string
	WorkDir   string
	Env       map[string]string
	Argv      []string
	Shell     bool
	Tree      Tree
	Stdout    io.Writer
	Stderr    io.Writer
}

// Runner executes one RUN step against a stage tree and returns the resulting
// tree.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (Tree, error)
}

// ExecRunner runs steps on the host inside a scratch copy of the stage tree.
// The scratch root is exported as STAGE_ROOT.
type ExecRunner struct {
	ScratchDir string
	// PassEnv names host variables forwarded to steps. Defaults to PATH and HOME.
	PassEnv []string
}

func (r ExecRunner) Run(ctx context.Context, req RunRequest) (Tree, error) {
	root, err := os.MkdirTemp(r.ScratchDir, "stage-*")
	if err != nil {
		return nil, errors.Wrap(err, "create scratch dir")
	}
	defer func() { _ = os.RemoveAll(root) }()

	if err := req.Tree.WriteTo(root); err != nil {
		return nil, err
	}
	dir := filepath.Join(root, filepath.FromSlash(req.WorkDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir workdir")
	}

	var cmd *exec.Cmd
	if req.Shell {
		cmd = exec.CommandContext(ctx, "sh", "-c", req.Argv[0])
	} else {
		cmd = exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	}
	cmd.Dir = dir
	cmd.Env = r.env(req.Env, root)
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = io.Discard
	}
	if cmd.Stderr == nil {
		cmd.Stderr = io.Discard
	}

	log.Debug().Str("stage", req.Stage).Strs("argv", req.Argv).Str("dir", dir).Msg("run step")
	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return nil, &StepError{Stage: req.Stage, Argv: req.Argv, ExitCode: code, Err: err}
	}
	return ReadTree(root)
}

func (r ExecRunner) env(stage map[string]string, root string) []string {
	pass := r.PassEnv
	if len(pass) == 0 {
		pass = []string{"PATH", "HOME"}
	}
	var out []string
	for _, k := range pass {
		if v, ok := os.LookupEnv(k); ok {
			out = append(out, k+"="+v)
		}
	}
	keys := make([]string, 0, len(stage))
	for k := range stage {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+stage[k])
	}
	return append(out, "STAGE_ROOT="+root)
}

// SkipRunner leaves the tree unchanged. Used for dry runs.
type SkipRunner struct{}

func (SkipRunner) Run(_ context.Context, req RunRequest) (Tree, error) {
	log.Info().Str("stage", req.Stage).Strs("argv", req.Argv).Msg("skipping step (dry run)")
	return req.Tree, nil
}
