package config

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = "stackctl.yaml"

const (
	DefaultSettingsDir = "config"
	DefaultModeEnv     = "RUN_MODE"
	DefaultEnvFile     = ".env"
	DefaultRuntime     = "exec"
	DefaultStateDir    = ".stackctl"
)

type File struct {
	Project     string `yaml:"project,omitempty"`
	SettingsDir string `yaml:"settings_dir,omitempty"`
	ModeEnv     string `yaml:"mode_env,omitempty"`
	EnvFile     string `yaml:"env_file,omitempty"`
	Runtime     string `yaml:"runtime,omitempty"`
	StateDir    string `yaml:"state_dir,omitempty"`
	Strictness  string `yaml:"strictness,omitempty"` // "warn" | "error"

	Environments map[string]Environment `yaml:"environments,omitempty"`
}

// Environment binds a mode to its topology manifest.
type Environment struct {
	Topology string        `yaml:"topology"`
	Watch    []string      `yaml:"watch,omitempty"`
	Ignore   []string      `yaml:"ignore,omitempty"`
	Grace    time.Duration `yaml:"grace,omitempty"`
}

func DefaultPath(repoRoot string) string {
	return filepath.Join(repoRoot, DefaultConfigFilename)
}

func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg File
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return &cfg, nil
}

func LoadOptional(path string) (*File, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

// WithDefaults fills unset fields. The project name defaults to the base name
// of repoRoot.
func (f File) WithDefaults(repoRoot string) File {
	if f.Project == "" {
		f.Project = filepath.Base(repoRoot)
	}
	if f.SettingsDir == "" {
		f.SettingsDir = DefaultSettingsDir
	}
	if f.ModeEnv == "" {
		f.ModeEnv = DefaultModeEnv
	}
	if f.EnvFile == "" {
		f.EnvFile = DefaultEnvFile
	}
	if f.Runtime == "" {
		f.Runtime = DefaultRuntime
	}
	if f.StateDir == "" {
		f.StateDir = DefaultStateDir
	}
	if f.Strictness == "" {
		f.Strictness = "warn"
	}
	return f
}

func (f *File) Validate() error {
	switch f.Runtime {
	case "", "exec", "docker":
	default:
		return errors.Errorf("unknown runtime %q", f.Runtime)
	}
	switch f.Strictness {
	case "", "warn", "error":
	default:
		return errors.Errorf("unknown strictness %q", f.Strictness)
	}
	for _, mode := range f.Modes() {
		env := f.Environments[mode]
		if env.Topology == "" {
			return errors.Errorf("environment %q missing topology", mode)
		}
		if env.Grace < 0 {
			return errors.Errorf("environment %q has negative grace", mode)
		}
	}
	return nil
}

func (f *File) Modes() []string {
	out := make([]string, 0, len(f.Environments))
	for m := range f.Environments {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
