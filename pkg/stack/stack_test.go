package stack

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-go-golems/stackctl/pkg/build"
	"github.com/go-go-golems/stackctl/pkg/settings"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, name, body string) {
	t.Helper()
	p := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func fixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "stackctl.yaml", "project: meditation\nenvironments:\n  production:\n    topology: docker-compose.yml\n    grace: 5s\n")
	writeFile(t, root, "docker-compose.yml", `
services:
  api:
    build:
      context: .
    ports:
      - "9999:8080"
    restart: unless-stopped
    depends_on:
      - mongo
    environment:
      MONGO_URL: ${MONGO_URL}
  mongo:
    image: mongo:7
    volumes:
      - mongo-data:/data/db
volumes:
  mongo-data: {}
`)
	writeFile(t, root, "Dockerfile", `FROM debian:bookworm-slim
WORKDIR /app
COPY config ./config
COPY server.sh ./
CMD ["/app/server.sh"]
`)
	writeFile(t, root, "server.sh", "#!/bin/sh\nexec sleep 30\n")
	writeFile(t, root, "config/default.json", `{"server": {"host": "0.0.0.0", "port": 8080}}`)
	writeFile(t, root, "config/production.json", `{"server": {"port": 8080}, "log": "warn"}`)
	writeFile(t, root, ".env", "MONGO_URL=mongodb://mongo:27017/meditation\n")
	return root
}

func TestOpenResolvesModeAndTopology(t *testing.T) {
	root := fixture(t)
	p, err := Open(context.Background(), Options{RepoRoot: root, Environ: []string{"RUN_MODE=production"}})
	require.NoError(t, err)
	require.Equal(t, settings.Production, p.Mode)
	require.Equal(t, []string{"api"}, p.BuiltServices())
	require.Equal(t, "mongodb://mongo:27017/meditation", p.Topology.Services["api"].Environment["MONGO_URL"])
	require.Equal(t, "5s", p.Topology.Services["mongo"].StopGrace.String())
	require.Equal(t, []string{root}, p.WatchRoots("api"))

	_, err = Open(context.Background(), Options{RepoRoot: root})
	require.ErrorIs(t, err, settings.ErrModeUnset)

	_, err = Open(context.Background(), Options{RepoRoot: root, Mode: "development"})
	require.Error(t, err)
}

func TestBuildAndPlan(t *testing.T) {
	root := fixture(t)
	p, err := Open(context.Background(), Options{RepoRoot: root, Mode: "production"})
	require.NoError(t, err)

	pl := &build.Pipeline{Runner: build.SkipRunner{}, Store: p.Store()}
	arts, err := p.Build(context.Background(), pl, nil, io.Discard, io.Discard)
	require.NoError(t, err)
	require.Contains(t, arts, "api")

	plan, err := p.Plan()
	require.NoError(t, err)
	require.Equal(t, "meditation", plan.Project)
	require.Equal(t, "mongo", plan.Services[0].Name)
	api, ok := plan.Service("api")
	require.True(t, ok)
	require.Equal(t, 1, api.Priority)
	require.Equal(t, arts["api"].ID.String(), api.Artifact.ID)
	require.Equal(t, "production", api.Env["RUN_MODE"])
	require.Equal(t, []string{"/app/server.sh"}, api.Argv)
	require.FileExists(t, api.Config.HostPath)
	require.FileExists(t, filepath.Join(api.Artifact.RootFS, "app", "config", "production.json"))
}

// toolchainRunner stands in for the stage images: a go build step drops the
// binary named by -o, every step is recorded.
type toolchainRunner struct {
	mu    sync.Mutex
	steps []string
}

func (r *toolchainRunner) Run(_ context.Context, req build.RunRequest) (build.Tree, error) {
	cmd := strings.Join(req.Argv, " ")
	r.mu.Lock()
	r.steps = append(r.steps, req.BaseImage+": "+cmd)
	r.mu.Unlock()
	out := req.Tree.Clone()
	if strings.Contains(cmd, "go build") {
		out[path.Join(req.WorkDir, "bin", "api")] = build.File{Data: []byte("ELF"), Mode: 0o755}
	}
	return out, nil
}

func TestMeditationExampleBuilds(t *testing.T) {
	ctx := context.Background()
	p, err := Open(ctx, Options{RepoRoot: filepath.Join("..", "..", "examples", "meditation"), Mode: "production"})
	require.NoError(t, err)
	p.Repo.Config.StateDir = t.TempDir()

	runner := &toolchainRunner{}
	arts, err := p.Build(ctx, &build.Pipeline{Runner: runner, Store: p.Store()}, nil, io.Discard, io.Discard)
	require.NoError(t, err)
	api := arts["api"]
	require.NotNil(t, api)

	var paths []string
	for _, f := range api.Files {
		paths = append(paths, f.Path)
	}
	require.Equal(t, []string{"/app/api", "/app/config/default.json", "/app/config/production.json"}, paths)

	// the healthcheck tool is installed in the runtime stage, not the builder
	require.Len(t, runner.steps, 2)
	require.True(t, strings.HasPrefix(runner.steps[0], "golang:"))
	require.True(t, strings.HasPrefix(runner.steps[1], "debian:bookworm-slim: apt-get update"))
	require.Contains(t, runner.steps[1], "ca-certificates curl")
	require.NotNil(t, api.Healthcheck)
	require.Contains(t, strings.Join(api.Healthcheck.Test, " "), "curl")
}
