package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	listFormat string
	listServer string
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: GroupProcess,
	Short:   "List processes with live metrics",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

func init() {
	listCmd.Flags().StringVar(&listFormat, "format", "default", "Output format: default, raw, json")
	listCmd.Flags().StringVar(&listServer, "server", "", "Target peer (default: local)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	t, err := resolveTarget(listServer)
	if err != nil {
		return err
	}
	items, err := t.List()
	if err != nil {
		return err
	}

	switch listFormat {
	case "json":
		data, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))

	case "raw":
		for _, item := range items {
			fmt.Printf("%+v\n", item)
		}

	case "default":
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "id\tname\tpid\tstatus\tuptime\trestarts\tcpu\tmem\twatch")
		for _, item := range items {
			pid := fmt.Sprintf("%d", item.Pid)
			if item.Status != "online" {
				pid = "n/a"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				item.ID, item.Name, pid, item.Status, item.Uptime,
				item.Restarts, item.CPU, item.Mem, item.WatchPath)
		}
		return w.Flush()

	default:
		return fmt.Errorf("unknown format %q (want default, raw or json)", listFormat)
	}
	return nil
}
