package build

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultDockerExclude lists caches never read back from a step container.
var DefaultDockerExclude = []string{"/tmp", "/root/.cache", "/go/pkg/mod", "/var/cache", "/var/lib/apt/lists", "/var/log"}

// DockerRunner runs each step in a fresh container of the stage's base image,
// so package managers and toolchains of that image are available. Regular
// files the step adds or changes are read back into the stage tree; symlinks
// are dereferenced when their target was also read back.
type DockerRunner struct {
	Binary     string
	ScratchDir string
	// Exclude holds path prefixes dropped from the result unless they were
	// already part of the stage tree.
	Exclude []string
	// docker runs one docker CLI command; tests replace it.
	docker func(ctx context.Context, argv []string, stdout, stderr io.Writer) error
}

var _ Runner = (*DockerRunner)(nil)

func NewDockerRunner() *DockerRunner {
	return &DockerRunner{Binary: "docker", Exclude: DefaultDockerExclude, docker: runDocker}
}

func runDocker(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	// #nosec G204 -- arguments come from the build recipe.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

func (r *DockerRunner) Run(ctx context.Context, req RunRequest) (Tree, error) {
	if req.BaseImage == "" || strings.EqualFold(req.BaseImage, "scratch") {
		return nil, errors.Errorf("stage %s: RUN needs a base image", req.Stage)
	}
	root, err := os.MkdirTemp(r.ScratchDir, "stage-*")
	if err != nil {
		return nil, errors.Wrap(err, "create scratch dir")
	}
	defer func() { _ = os.RemoveAll(root) }()
	if err := req.Tree.WriteTo(root); err != nil {
		return nil, err
	}

	name := "stackctl-step-" + uuid.NewString()
	var msg bytes.Buffer
	if err := r.docker(ctx, r.createArgs(name, req), io.Discard, &msg); err != nil {
		return nil, errors.Wrapf(err, "create step container: %s", strings.TrimSpace(msg.String()))
	}
	defer func() {
		_ = r.docker(context.Background(), []string{r.Binary, "rm", "-f", name}, io.Discard, io.Discard)
	}()
	if len(req.Tree) > 0 {
		msg.Reset()
		if err := r.docker(ctx, []string{r.Binary, "cp", root + "/.", name + ":/"}, io.Discard, &msg); err != nil {
			return nil, errors.Wrapf(err, "copy stage tree: %s", strings.TrimSpace(msg.String()))
		}
	}

	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	log.Debug().Str("stage", req.Stage).Str("image", req.BaseImage).Strs("argv", req.Argv).Msg("run step in container")
	if err := r.docker(ctx, []string{r.Binary, "start", "-a", name}, stdout, stderr); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return nil, &StepError{Stage: req.Stage, Argv: req.Argv, ExitCode: code, Err: err}
	}

	var diff bytes.Buffer
	msg.Reset()
	if err := r.docker(ctx, []string{r.Binary, "diff", name}, &diff, &msg); err != nil {
		return nil, errors.Wrapf(err, "diff step container: %s", strings.TrimSpace(msg.String()))
	}
	keep := r.changed(diff.Bytes(), req.Tree)

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(r.docker(ctx, []string{r.Binary, "export", name}, pw, io.Discard))
	}()
	out, err := readChanged(pr, keep)
	_ = pr.Close()
	if err != nil {
		return nil, errors.Wrap(err, "export step container")
	}
	return out, nil
}

func (r *DockerRunner) createArgs(name string, req RunRequest) []string {
	argv := []string{r.Binary, "create", "--name", name, "--entrypoint", ""}
	if req.WorkDir != "" {
		argv = append(argv, "-w", req.WorkDir)
	}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "-e", k+"="+req.Env[k])
	}
	argv = append(argv, req.BaseImage)
	if req.Shell {
		return append(argv, "/bin/sh", "-c", req.Argv[0])
	}
	return append(argv, req.Argv...)
}

// changed parses `docker diff` output into the set of paths to read back.
func (r *DockerRunner) changed(diff []byte, before Tree) map[string]bool {
	keep := map[string]bool{}
	sc := bufio.NewScanner(bytes.NewReader(diff))
	for sc.Scan() {
		kind, p, ok := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		if !ok || (kind != "A" && kind != "C") {
			continue
		}
		p = path.Clean(p)
		if _, staged := before[p]; !staged && r.excluded(p) {
			continue
		}
		keep[p] = true
	}
	return keep
}

func (r *DockerRunner) excluded(p string) bool {
	for _, prefix := range r.Exclude {
		if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func readChanged(rd io.Reader, keep map[string]bool) (Tree, error) {
	out := Tree{}
	links := map[string]string{}
	tr := tar.NewReader(rd)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		p := path.Clean("/" + hdr.Name)
		if !keep[p] {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			b, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			out[p] = File{Data: b, Mode: hdr.FileInfo().Mode().Perm()}
		case tar.TypeSymlink:
			target := hdr.Linkname
			if !path.IsAbs(target) {
				target = path.Join(path.Dir(p), target)
			}
			links[p] = path.Clean(target)
		case tar.TypeLink:
			links[p] = path.Clean("/" + hdr.Linkname)
		}
	}
	for p, target := range links {
		for i := 0; i < 8; i++ {
			next, ok := links[target]
			if !ok {
				break
			}
			target = next
		}
		if f, ok := out[target]; ok {
			out[p] = f
			continue
		}
		log.Debug().Str("path", p).Str("target", target).Msg("link target unchanged by step; dropped")
	}
	return out, nil
}
