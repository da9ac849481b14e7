// Package cmd provides the opm CLI commands.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "opm",
	Short:   "opm - process manager and supervisor",
	Version: Version,
	Long: `opm launches shell commands as long-lived processes, keeps them alive
across crashes, watches their resource usage, and federates across hosts
so one server can observe and act on processes running on many agents.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Version is stamped by the release build; "dev" otherwise.
var Version = "dev"

// Execute runs the root command and returns an exit code for main.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// Command group IDs used to organize help output.
const (
	GroupProcess  = "process"
	GroupDaemon   = "daemon"
	GroupFederate = "federate"
)

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupProcess, Title: "Process Management:"},
		&cobra.Group{ID: GroupDaemon, Title: "Daemon:"},
		&cobra.Group{ID: GroupFederate, Title: "Federation:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDaemon)
	rootCmd.SetCompletionCommandGroupID(GroupDaemon)
}

// requireSubcommand makes parent commands fail loudly instead of silently
// printing help for unknown subcommands.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	path := commandPath(cmd)
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", path)
	}
	return fmt.Errorf("unknown command %q for %q\n\nRun '%s --help' for available commands",
		args[0], path, path)
}

func commandPath(cmd *cobra.Command) string {
	var parts []string
	for c := cmd; c != nil; c = c.Parent() {
		parts = append([]string{c.Name()}, parts...)
	}
	return strings.Join(parts, " ")
}
