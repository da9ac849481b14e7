package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opm-sh/opm/internal/hclio"
	"github.com/opm-sh/opm/internal/registry"
	"github.com/opm-sh/opm/internal/util"
)

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: GroupProcess,
	Short:   "Start processes from an HCL definition file",
	Args:    cobra.ExactArgs(1),
	RunE:    runImport,
}

var exportCmd = &cobra.Command{
	Use:     "export <items> [path]",
	GroupID: GroupProcess,
	Short:   "Write process definitions to an HCL file",
	Args:    cobra.RangeArgs(1, 2),
	RunE:    runExport,
}

var exportServer string

func init() {
	exportCmd.Flags().StringVar(&exportServer, "server", "", "Target peer (default: local)")
	rootCmd.AddCommand(importCmd, exportCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	file, err := hclio.Parse(args[0])
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	for _, block := range file.Processes {
		t, err := resolveTarget(block.Server)
		if err != nil {
			return fmt.Errorf("process %q: %w", block.Name, err)
		}

		var maxMemory uint64
		if block.MaxMemory != "" {
			maxMemory, err = util.ParseMemory(block.MaxMemory)
			if err != nil {
				return fmt.Errorf("process %q: %w", block.Name, err)
			}
		}

		spec := registry.CreateSpec{
			Name:      block.Name,
			Script:    block.Script,
			Dir:       cwd,
			MaxMemory: maxMemory,
			Env:       registry.Env(block.Env),
		}
		if block.Watch != nil {
			spec.Watch = block.Watch.Path
		}
		if err := t.StartNew(spec); err != nil {
			return fmt.Errorf("starting %q: %w", block.Name, err)
		}
		fmt.Printf("✓ imported %s\n", block.Name)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	t, err := resolveTarget(exportServer)
	if err != nil {
		return err
	}
	ids, err := resolveItems(t, args[0])
	if err != nil {
		return err
	}

	var file hclio.File
	for _, id := range ids {
		item, err := t.Info(id)
		if err != nil {
			return err
		}
		env, err := t.Env(id)
		if err != nil {
			return err
		}

		block := hclio.ProcessBlock{
			Name:   item.Info.Name,
			Script: scriptOf(t, id, item),
			Env:    map[string]string(env),
		}
		if exportServer != "" {
			block.Server = exportServer
		}
		if item.Watch.Enabled {
			block.Watch = &hclio.WatchBlock{Path: item.Watch.Path}
		}
		file.Processes = append(file.Processes, block)
	}

	path := "opm-export.hcl"
	if len(args) == 2 {
		path = args[1]
	}
	if err := hclio.Write(path, file); err != nil {
		return err
	}
	fmt.Printf("✓ exported %d process(es) to %s\n", len(file.Processes), path)
	return nil
}

// scriptOf prefers the raw stored script over the rendered shell command.
func scriptOf(t target, id int, item registry.ItemSingle) string {
	if local, ok := t.(localTarget); ok {
		if p, err := local.reg.Get(id); err == nil {
			return p.Script
		}
	}
	return item.Info.Command
}
