// Package discovery finds environments in a repository that has no explicit
// environments section in stackctl.yaml.
package discovery

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/go-go-golems/stackctl/pkg/config"
	"github.com/pkg/errors"
)

type Options struct {
	RepoRoot string
}

// composeFile matches docker-compose.yml, compose.yaml and their
// <mode>-suffixed variants such as docker-compose.dev.yml.
var composeFile = regexp.MustCompile(`^(?:docker-)?compose(?:\.([a-z][a-z0-9_-]*))?\.ya?ml$`)

var modeAliases = map[string]string{
	"":     "production",
	"prod": "production",
	"dev":  "development",
}

// Environments merges the configured environments with compose files found
// at the repository root. Configured entries win; two files claiming the
// same mode is an error.
func Environments(cfg *config.File, opts Options) (map[string]config.Environment, error) {
	if opts.RepoRoot == "" {
		return nil, errors.New("missing RepoRoot")
	}
	if cfg == nil {
		cfg = &config.File{}
	}

	out := map[string]config.Environment{}
	for mode, env := range cfg.Environments {
		out[mode] = env
	}
	found, err := scanComposeFiles(opts.RepoRoot)
	if err != nil {
		return nil, err
	}
	for mode, file := range found {
		if _, ok := out[mode]; ok {
			continue
		}
		out[mode] = config.Environment{Topology: file}
	}
	return out, nil
}

func scanComposeFiles(repoRoot string) (map[string]string, error) {
	entries, err := os.ReadDir(repoRoot)
	if err != nil {
		return nil, errors.Wrap(err, "read repo root")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := map[string]string{}
	for _, name := range names {
		m := composeFile.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		mode := m[1]
		if alias, ok := modeAliases[mode]; ok {
			mode = alias
		}
		if prev, ok := out[mode]; ok {
			return nil, errors.Errorf("compose files %s and %s both describe %s", prev, name, mode)
		}
		out[mode] = filepath.Join(repoRoot, name)
	}
	return out, nil
}
