package cmds

import "github.com/spf13/cobra"

func AddCommands(root *cobra.Command) error {
	root.AddCommand(newConfigCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newBuildCmd())
	root.AddCommand(newPlanCmd())

	root.AddCommand(newUpCmd())
	root.AddCommand(newDownCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newWatchCmd())
	return nil
}
