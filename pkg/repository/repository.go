package repository

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-go-golems/stackctl/pkg/config"
	"github.com/go-go-golems/stackctl/pkg/discovery"
	"github.com/go-go-golems/stackctl/pkg/settings"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

var ErrUnknownEnvironment = errors.New("unknown environment")

type Options struct {
	RepoRoot   string
	ConfigPath string
}

// Repository is a project checkout with its stackctl.yaml resolved.
type Repository struct {
	Root         string
	Config       config.File
	ConfigAbs    string
	Environments map[string]config.Environment
}

func Load(opts Options) (*Repository, error) {
	if opts.RepoRoot == "" {
		return nil, errors.New("missing RepoRoot")
	}
	root, err := filepath.Abs(opts.RepoRoot)
	if err != nil {
		return nil, err
	}
	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath(root)
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(root, cfgPath)
	}

	cfg, err := config.LoadOptional(cfgPath)
	if err != nil {
		return nil, err
	}
	envs, err := discovery.Environments(cfg, discovery.Options{RepoRoot: root})
	if err != nil {
		return nil, err
	}
	return &Repository{
		Root:         root,
		Config:       cfg.WithDefaults(root),
		ConfigAbs:    cfgPath,
		Environments: envs,
	}, nil
}

func (r *Repository) abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.Root, p)
}

func (r *Repository) Modes() []string {
	out := make([]string, 0, len(r.Environments))
	for m := range r.Environments {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (r *Repository) Environment(mode settings.Mode) (config.Environment, error) {
	env, ok := r.Environments[string(mode)]
	if !ok {
		return config.Environment{}, errors.Wrapf(ErrUnknownEnvironment, "%q (known: %s)", mode, strings.Join(r.Modes(), ", "))
	}
	env.Topology = r.abs(env.Topology)
	watch := make([]string, 0, len(env.Watch))
	for _, w := range env.Watch {
		watch = append(watch, r.abs(w))
	}
	if len(watch) == 0 {
		watch = []string{r.Root}
	}
	env.Watch = watch
	return env, nil
}

func (r *Repository) SettingsDir() string { return r.abs(r.Config.SettingsDir) }

func (r *Repository) StateDir() string { return r.abs(r.Config.StateDir) }

func (r *Repository) SettingsLoader() settings.Loader {
	return settings.Loader{Dir: r.SettingsDir()}
}

// LoadEnvFile reads the project's env file. A missing default file yields an
// empty map; a missing file named explicitly in stackctl.yaml is an error.
func (r *Repository) LoadEnvFile() (map[string]string, error) {
	path := r.abs(r.Config.EnvFile)
	env, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) && r.Config.EnvFile == config.DefaultEnvFile {
			return map[string]string{}, nil
		}
		return nil, errors.Wrapf(err, "read env file %s", path)
	}
	return env, nil
}

// Environ combines the env file with the process environment. Process
// variables win, as with docker compose.
func Environ(fileEnv map[string]string, environ []string) map[string]string {
	out := make(map[string]string, len(fileEnv)+len(environ))
	for k, v := range fileEnv {
		out[k] = v
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

// Lookup adapts an environment map to the lookup shape settings expects.
func Lookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}
