package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opm-sh/opm/internal/util"
)

var (
	detailsServer string
	envServer     string
	logsServer    string
	logsKind      string
	logsLines     int
	flushServer   string
	getCmdServer  string

	adjustMaxMemory    string
	adjustWatch        string
	adjustDisableWatch bool
)

var detailsCmd = &cobra.Command{
	Use:     "details <item>",
	GroupID: GroupProcess,
	Short:   "Show the full state of one process",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := resolveTarget(detailsServer)
		if err != nil {
			return err
		}
		id, err := resolveItem(t, args[0])
		if err != nil {
			return err
		}
		item, err := t.Info(id)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(item, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var envCmd = &cobra.Command{
	Use:     "env <item>",
	GroupID: GroupProcess,
	Short:   "Print the stored environment overlay of a process",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := resolveTarget(envServer)
		if err != nil {
			return err
		}
		id, err := resolveItem(t, args[0])
		if err != nil {
			return err
		}
		env, err := t.Env(id)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s=%s\n", k, env[k])
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:     "logs <item>",
	GroupID: GroupProcess,
	Short:   "Print a process's log tail",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := resolveTarget(logsServer)
		if err != nil {
			return err
		}
		id, err := resolveItem(t, args[0])
		if err != nil {
			return err
		}
		if logsKind != "out" && logsKind != "error" {
			return fmt.Errorf("--kind must be out or error")
		}

		item, err := t.Info(id)
		if err != nil {
			return err
		}
		path := item.Log.Out
		if logsKind == "error" {
			path = item.Log.Error
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if logsLines > 0 && len(lines) > logsLines {
			lines = lines[len(lines)-logsLines:]
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:     "flush <item>",
	GroupID: GroupProcess,
	Short:   "Truncate a process's log files",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := resolveTarget(flushServer)
		if err != nil {
			return err
		}
		id, err := resolveItem(t, args[0])
		if err != nil {
			return err
		}
		if err := t.Flush(id); err != nil {
			return err
		}
		fmt.Printf("✓ flushed logs (%d)\n", id)
		return nil
	},
}

var getCommandCmd = &cobra.Command{
	Use:     "get-command <item>",
	GroupID: GroupProcess,
	Short:   "Print the full shell invocation of a process",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := resolveTarget(getCmdServer)
		if err != nil {
			return err
		}
		id, err := resolveItem(t, args[0])
		if err != nil {
			return err
		}
		item, err := t.Info(id)
		if err != nil {
			return err
		}
		fmt.Println(item.Info.Command)
		return nil
	},
}

var adjustCmd = &cobra.Command{
	Use:     "adjust <item>",
	GroupID: GroupProcess,
	Short:   "Change the memory ceiling or watch path of a process",
	Args:    cobra.ExactArgs(1),
	RunE:    runAdjust,
}

// runAdjust edits registry fields directly, so it only applies locally.
func runAdjust(cmd *cobra.Command, args []string) error {
	t, err := openLocal()
	if err != nil {
		return err
	}
	id, err := resolveItem(t, args[0])
	if err != nil {
		return err
	}

	local := t.(localTarget)
	if adjustMaxMemory != "" {
		limit, err := util.ParseMemory(adjustMaxMemory)
		if err != nil {
			return err
		}
		if err := local.reg.SetMaxMemory(id, limit); err != nil {
			return err
		}
		fmt.Printf("✓ max memory set to %s (%d)\n", util.FormatMemory(limit), id)
	}
	if adjustDisableWatch {
		if err := local.reg.SetWatch(id, "", false); err != nil {
			return err
		}
		fmt.Printf("✓ watch disabled (%d)\n", id)
	} else if adjustWatch != "" {
		if err := local.reg.SetWatch(id, adjustWatch, true); err != nil {
			return err
		}
		fmt.Printf("✓ watching %s (%d)\n", adjustWatch, id)
	}
	return nil
}

var saveCmd = &cobra.Command{
	Use:     "save",
	GroupID: GroupDaemon,
	Short:   "Force-persist the registry to the dump file",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := resolveTarget(saveServer)
		if err != nil {
			return err
		}
		if err := t.Save(); err != nil {
			return err
		}
		fmt.Println("✓ saved")
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:     "restore",
	GroupID: GroupDaemon,
	Short:   "Relaunch every process recorded as running or crashed in the last dump",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := resolveTarget(restoreServer)
		if err != nil {
			return err
		}
		if err := t.Restore(); err != nil {
			return err
		}
		fmt.Println("✓ restored")
		return nil
	},
}

var (
	saveServer    string
	restoreServer string
)

var resetCountersCmd = &cobra.Command{
	Use:     "reset-counters <item>",
	GroupID: GroupProcess,
	Short:   "Zero the restart and crash counters of a process",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openLocal()
		if err != nil {
			return err
		}
		id, err := resolveItem(t, args[0])
		if err != nil {
			return err
		}
		if err := t.(localTarget).reg.ResetCounters(id); err != nil {
			return err
		}
		fmt.Printf("✓ counters reset (%d)\n", id)
		return nil
	},
}

func init() {
	detailsCmd.Flags().StringVar(&detailsServer, "server", "", "Target peer (default: local)")
	envCmd.Flags().StringVar(&envServer, "server", "", "Target peer (default: local)")
	logsCmd.Flags().StringVar(&logsServer, "server", "", "Target peer (default: local)")
	logsCmd.Flags().StringVar(&logsKind, "kind", "out", "Log stream: out or error")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "Number of lines to show")
	flushCmd.Flags().StringVar(&flushServer, "server", "", "Target peer (default: local)")
	getCommandCmd.Flags().StringVar(&getCmdServer, "server", "", "Target peer (default: local)")
	adjustCmd.Flags().StringVar(&adjustMaxMemory, "max-memory", "", "New memory ceiling (e.g. 512mb)")
	adjustCmd.Flags().StringVar(&adjustWatch, "watch", "", "Watch this path for reloads")
	adjustCmd.Flags().BoolVar(&adjustDisableWatch, "no-watch", false, "Disable watch reloads")
	saveCmd.Flags().StringVar(&saveServer, "server", "", "Target peer (default: local)")
	restoreCmd.Flags().StringVar(&restoreServer, "server", "", "Target peer (default: local)")

	rootCmd.AddCommand(detailsCmd, envCmd, logsCmd, flushCmd, getCommandCmd,
		adjustCmd, saveCmd, restoreCmd, resetCountersCmd)
}
