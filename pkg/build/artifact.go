package build

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-go-golems/stackctl/pkg/recipe"
	"github.com/opencontainers/go-digest"
)

type FileEntry struct {
	Path   string        `json:"path"`
	Size   int64         `json:"size"`
	Mode   fs.FileMode   `json:"mode"`
	Digest digest.Digest `json:"digest"`
}

// Artifact is the immutable output of a pipeline run.
type Artifact struct {
	ID          digest.Digest       `json:"id"`
	Service     string              `json:"service"`
	Mode        string              `json:"mode"`
	Recipe      string              `json:"recipe,omitempty"`
	BaseImage   string              `json:"base_image"`
	WorkDir     string              `json:"workdir"`
	User        string              `json:"user,omitempty"`
	Entrypoint  []string            `json:"entrypoint,omitempty"`
	Cmd         []string            `json:"cmd,omitempty"`
	Env         map[string]string   `json:"env,omitempty"`
	Expose      []string            `json:"expose,omitempty"`
	Healthcheck *recipe.Healthcheck `json:"healthcheck,omitempty"`
	Files       []FileEntry         `json:"files"`
	RunID       string              `json:"run_id"`
	BuiltAt     time.Time           `json:"built_at"`
}

func newArtifact(service, mode string, final *recipe.Stage, t Tree) *Artifact {
	a := &Artifact{
		Service:     service,
		Mode:        mode,
		BaseImage:   final.BaseImage,
		WorkDir:     final.WorkDir,
		User:        final.User,
		Entrypoint:  final.Entrypoint,
		Cmd:         final.Cmd,
		Env:         final.Env,
		Expose:      final.Expose,
		Healthcheck: final.Healthcheck,
	}
	for _, p := range t.Paths() {
		f := t[p]
		a.Files = append(a.Files, FileEntry{
			Path:   p,
			Size:   int64(len(f.Data)),
			Mode:   f.Mode.Perm(),
			Digest: digest.FromBytes(f.Data),
		})
	}
	a.ID = a.computeID()
	return a
}

// Listing is the sorted final-stage file listing, one "<mode> <size> <digest>
// <path>" line per file.
func (a *Artifact) Listing() string {
	var b strings.Builder
	for _, f := range a.Files {
		fmt.Fprintf(&b, "%04o %d %s %s\n", uint32(f.Mode.Perm()), f.Size, f.Digest, f.Path)
	}
	return b.String()
}

// Argv is the process command line of the artifact.
func (a *Artifact) Argv() []string {
	return append(append([]string{}, a.Entrypoint...), a.Cmd...)
}

func (a *Artifact) computeID() digest.Digest {
	meta := struct {
		Service     string              `json:"service"`
		Mode        string              `json:"mode"`
		BaseImage   string              `json:"base_image"`
		WorkDir     string              `json:"workdir"`
		User        string              `json:"user"`
		Entrypoint  []string            `json:"entrypoint"`
		Cmd         []string            `json:"cmd"`
		Env         map[string]string   `json:"env"`
		Expose      []string            `json:"expose"`
		Healthcheck *recipe.Healthcheck `json:"healthcheck"`
	}{a.Service, a.Mode, a.BaseImage, a.WorkDir, a.User, a.Entrypoint, a.Cmd, a.Env, a.Expose, a.Healthcheck}
	b, _ := json.Marshal(meta)
	return digest.FromString(string(b) + "\n" + a.Listing())
}
