package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/stackctl/pkg/config"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("services: {}\n"), 0o644))
}

func TestEnvironmentsFromComposeFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "docker-compose.yml")
	touch(t, dir, "docker-compose.dev.yml")
	touch(t, dir, "compose.staging.yaml")
	touch(t, dir, "README.md")

	envs, err := Environments(nil, Options{RepoRoot: dir})
	require.NoError(t, err)
	require.Len(t, envs, 3)
	require.Equal(t, filepath.Join(dir, "docker-compose.yml"), envs["production"].Topology)
	require.Equal(t, filepath.Join(dir, "docker-compose.dev.yml"), envs["development"].Topology)
	require.Equal(t, filepath.Join(dir, "compose.staging.yaml"), envs["staging"].Topology)
}

func TestConfiguredEnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "docker-compose.yml")
	cfg := &config.File{Environments: map[string]config.Environment{
		"production": {Topology: "deploy/prod.yml"},
	}}
	envs, err := Environments(cfg, Options{RepoRoot: dir})
	require.NoError(t, err)
	require.Equal(t, "deploy/prod.yml", envs["production"].Topology)
}

func TestDuplicateModeIsAnError(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "docker-compose.yml")
	touch(t, dir, "compose.yaml")
	_, err := Environments(nil, Options{RepoRoot: dir})
	require.ErrorContains(t, err, "both describe production")
}
