package cmd

import (
	"github.com/spf13/cobra"
)

// The bulk lifecycle commands share one shape: resolve the target, expand
// the item list, apply the operation per id.

var (
	stopServer    string
	restartServer string
	reloadServer  string
	removeServer  string
)

var stopCmd = &cobra.Command{
	Use:     "stop <items>",
	GroupID: GroupProcess,
	Short:   "Stop processes (comma-separated ids/names, or 'all')",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := resolveTarget(stopServer)
		if err != nil {
			return err
		}
		ids, err := resolveItems(t, args[0])
		if err != nil {
			return err
		}
		return forEach(ids, "stopped", t.Stop)
	},
}

var restartCmd = &cobra.Command{
	Use:     "restart <items>",
	GroupID: GroupProcess,
	Short:   "Restart processes (comma-separated ids/names, or 'all')",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := resolveTarget(restartServer)
		if err != nil {
			return err
		}
		ids, err := resolveItems(t, args[0])
		if err != nil {
			return err
		}
		return forEach(ids, "restarted", t.Restart)
	},
}

var reloadCmd = &cobra.Command{
	Use:     "reload <items>",
	GroupID: GroupProcess,
	Short:   "Reload processes with zero downtime",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := resolveTarget(reloadServer)
		if err != nil {
			return err
		}
		ids, err := resolveItems(t, args[0])
		if err != nil {
			return err
		}
		return forEach(ids, "reloaded", t.Reload)
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove <items>",
	GroupID: GroupProcess,
	Short:   "Stop processes and delete them from the registry",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := resolveTarget(removeServer)
		if err != nil {
			return err
		}
		ids, err := resolveItems(t, args[0])
		if err != nil {
			return err
		}
		return forEach(ids, "removed", t.Remove)
	},
}

func init() {
	stopCmd.Flags().StringVar(&stopServer, "server", "", "Target peer (default: local)")
	restartCmd.Flags().StringVar(&restartServer, "server", "", "Target peer (default: local)")
	reloadCmd.Flags().StringVar(&reloadServer, "server", "", "Target peer (default: local)")
	removeCmd.Flags().StringVar(&removeServer, "server", "", "Target peer (default: local)")
	rootCmd.AddCommand(stopCmd, restartCmd, reloadCmd, removeCmd)
}
