package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := DefaultPath(dir)
	require.NoError(t, os.WriteFile(path, []byte(`
project: meditation
runtime: docker
environments:
  production:
    topology: docker-compose.yml
    grace: 15s
  development:
    topology: docker-compose.dev.yml
    watch: [src]
    ignore: ["*.test.js"]
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "meditation", cfg.Project)
	require.Equal(t, []string{"development", "production"}, cfg.Modes())
	require.Equal(t, 15*time.Second, cfg.Environments["production"].Grace)
	require.Equal(t, []string{"src"}, cfg.Environments["development"].Watch)

	d := cfg.WithDefaults(dir)
	require.Equal(t, "config", d.SettingsDir)
	require.Equal(t, "RUN_MODE", d.ModeEnv)
	require.Equal(t, ".stackctl", d.StateDir)
	require.Equal(t, "docker", d.Runtime)
}

func TestLoadOptionalMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(DefaultPath(dir))
	require.NoError(t, err)
	require.Equal(t, filepath.Base(dir), cfg.WithDefaults(dir).Project)
	require.Equal(t, "exec", cfg.WithDefaults(dir).Runtime)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	path := DefaultPath(dir)

	require.NoError(t, os.WriteFile(path, []byte("runtime: podman\n"), 0o644))
	_, err := LoadFromFile(path)
	require.ErrorContains(t, err, "unknown runtime")

	require.NoError(t, os.WriteFile(path, []byte("environments:\n  production: {}\n"), 0o644))
	_, err = LoadFromFile(path)
	require.ErrorContains(t, err, "missing topology")

	require.NoError(t, os.WriteFile(path, []byte("project: [\n"), 0o644))
	_, err = LoadFromFile(path)
	require.ErrorContains(t, err, "parse config yaml")
}
