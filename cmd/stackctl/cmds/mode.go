package cmds

import (
	"os"

	"github.com/go-go-golems/stackctl/pkg/repository"
	"github.com/go-go-golems/stackctl/pkg/settings"
)

func repositoryFor(opts rootOptions) (*repository.Repository, error) {
	return repository.Load(repository.Options{RepoRoot: opts.RepoRoot, ConfigPath: opts.Config})
}

// resolveMode applies the same precedence as stack.Open: --mode, then the
// process environment, then the env file.
func resolveMode(repo *repository.Repository, opts rootOptions) (settings.Mode, error) {
	if opts.Mode != "" {
		return settings.ParseMode(opts.Mode)
	}
	fileEnv, err := repo.LoadEnvFile()
	if err != nil {
		return "", err
	}
	env := repository.Environ(fileEnv, os.Environ())
	return settings.ModeFromLookup(repo.Config.ModeEnv, repository.Lookup(env))
}
