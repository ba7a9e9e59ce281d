package cmds

import (
	"fmt"

	"github.com/go-go-golems/stackctl/pkg/settings"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	var format string
	var key string
	var showFiles bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved settings for the current mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			repo, err := repositoryFor(opts)
			if err != nil {
				return err
			}
			mode, err := resolveMode(repo, opts)
			if err != nil {
				return err
			}
			bundle, err := repo.SettingsLoader().Load(mode)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if showFiles {
				for _, f := range bundle.Files() {
					_, _ = fmt.Fprintln(out, f)
				}
				return nil
			}
			if key != "" {
				v, ok := bundle.Get(key)
				if !ok {
					return errors.Errorf("key %q is not set in %s settings", key, mode)
				}
				if doc, ok := v.(map[string]any); ok {
					return settings.Dump(out, doc, format)
				}
				_, _ = fmt.Fprintln(out, v)
				return nil
			}
			return settings.Dump(out, bundle.Resolved, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "Output format: json, yaml or toml")
	cmd.Flags().StringVar(&key, "key", "", "Print a single dotted key")
	cmd.Flags().BoolVar(&showFiles, "files", false, "Print the base and overlay documents instead")
	return cmd
}
