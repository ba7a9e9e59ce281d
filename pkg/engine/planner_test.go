package engine

import (
	"os"
	"testing"
	"time"

	"github.com/go-go-golems/stackctl/pkg/build"
	"github.com/go-go-golems/stackctl/pkg/health"
	"github.com/go-go-golems/stackctl/pkg/recipe"
	"github.com/go-go-golems/stackctl/pkg/settings"
	"github.com/go-go-golems/stackctl/pkg/topology"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	artifacts map[string]*build.Artifact
}

func (f fakeStore) Publish(*build.Artifact, build.Tree) error { return nil }
func (f fakeStore) RootFS(service string) string            { return "/state/artifacts/" + service + "/rootfs" }
func (f fakeStore) Current(service string) (*build.Artifact, error) {
	a, ok := f.artifacts[service]
	if !ok {
		return nil, errors.Wrap(build.ErrNoArtifact, service)
	}
	return a, nil
}

func meditation() *topology.Topology {
	return &topology.Topology{
		Name: "meditation",
		Services: map[string]*topology.Service{
			"api": {
				Name:        "api",
				Build:       &topology.BuildSource{Context: "/repo", Recipe: "/repo/Dockerfile"},
				Environment: map[string]string{"RUN_MODE": "production", "DATABASE_URI": "mongodb://mongo:27017"},
				Ports:       []topology.PortMapping{{Internal: 8080, Published: 9999, Protocol: "tcp"}},
				Networks:    []string{"default"},
				Restart:     topology.RestartUnlessStopped,
				DependsOn:   []topology.Dependency{{Service: "mongo", Condition: topology.ConditionStarted}},
			},
			"mongo": {
				Name:     "mongo",
				Image:    "mongo:7",
				Command:  []string{"mongod", "--bind_ip_all"},
				Networks: []string{"default"},
				Restart:  topology.RestartAlways,
				Mounts:   []topology.Mount{{Kind: topology.MountVolume, Source: "mongo-data", Target: "/data/db"}},
			},
		},
		Networks: map[string]topology.Network{"default": {Name: "meditation_default"}},
		Volumes:  map[string]topology.Volume{"mongo-data": {Name: "meditation_mongo-data"}},
	}
}

func apiArtifact() *build.Artifact {
	return &build.Artifact{
		ID:         "sha256:abc",
		Service:    "api",
		BaseImage:  "debian:bookworm-slim",
		WorkDir:    "/app",
		Entrypoint: []string{"/app/api"},
		Env:        map[string]string{"RUST_LOG": "info"},
		Healthcheck: &recipe.Healthcheck{
			Test:        []string{"CMD-SHELL", "curl -f http://localhost:8080/healthz"},
			Interval:    30 * time.Second,
			StartPeriod: 20 * time.Second,
		},
	}
}

func TestPlanOrdersByDependencyLevel(t *testing.T) {
	p := &Planner{Opts: Options{ModeEnv: "RUN_MODE", ConfigPath: "/state/config/resolved.production.json"}}
	plan, err := p.Plan(meditation(), settings.Production, fakeStore{artifacts: map[string]*build.Artifact{"api": apiArtifact()}})
	require.NoError(t, err)

	require.Len(t, plan.Services, 2)
	require.Equal(t, "mongo", plan.Services[0].Name)
	require.Equal(t, 0, plan.Services[0].Priority)
	require.Equal(t, "api", plan.Services[1].Name)
	require.Equal(t, 1, plan.Services[1].Priority)
	require.Len(t, plan.Levels(), 2)

	api := plan.Services[1]
	require.Equal(t, []string{"/app/api"}, api.Argv)
	require.Equal(t, "debian:bookworm-slim", api.Image)
	require.Equal(t, "/state/artifacts/api/rootfs/app", api.Cwd)
	require.Equal(t, "production", api.Env["RUN_MODE"])
	require.Equal(t, "info", api.Env["RUST_LOG"])
	require.Equal(t, "/app/config/resolved.json", api.Env[ConfigEnv])
	require.NotNil(t, api.Health)
	require.Equal(t, health.DefaultRetries, api.Health.Retries)
	require.Equal(t, topology.DefaultStopGrace, api.StopGrace)

	mongo, ok := plan.Service("mongo")
	require.True(t, ok)
	require.Equal(t, []string{"mongod", "--bind_ip_all"}, mongo.Argv)
	require.Nil(t, mongo.Artifact)
}

func TestPlanRequiresArtifact(t *testing.T) {
	_, err := (&Planner{}).Plan(meditation(), settings.Production, fakeStore{})
	require.True(t, errors.Is(err, build.ErrNoArtifact))
}

func TestStrictModeConflict(t *testing.T) {
	store := fakeStore{artifacts: map[string]*build.Artifact{"api": apiArtifact()}}
	_, err := (&Planner{Opts: Options{ModeEnv: "RUN_MODE", Strict: true}}).Plan(meditation(), settings.Development, store)
	require.ErrorContains(t, err, "conflicts with mode development")

	plan, err := (&Planner{Opts: Options{ModeEnv: "RUN_MODE"}}).Plan(meditation(), settings.Development, store)
	require.NoError(t, err)
	api, _ := plan.Service("api")
	require.Equal(t, "development", api.Env["RUN_MODE"])
}

func TestWriteResolvedConfig(t *testing.T) {
	b := &settings.Bundle{Mode: settings.Production, Resolved: settings.Document{"server": map[string]any{"port": int64(8080)}}}
	p, err := WriteResolvedConfig(t.TempDir(), b)
	require.NoError(t, err)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	require.JSONEq(t, `{"server":{"port":8080}}`, string(raw))
}
