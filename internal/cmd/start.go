package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opm-sh/opm/internal/registry"
	"github.com/opm-sh/opm/internal/util"
)

var startCmd = &cobra.Command{
	Use:     "start <id|name|script>",
	GroupID: GroupProcess,
	Short:   "Start a new process or bring an existing one back up",
	Long: `Start a process. If the argument names an existing process (by id or
name) it is started again in place; otherwise a new process is created
running the given script.

Worker mode (--workers N) creates N copies named <base>-worker-<i>, each
with PORT set from --port-range. A range A-B must contain exactly N ports;
a single port A is shared by every worker (the payload must bind with
SO_REUSEPORT itself).`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var (
	startName      string
	startWatch     string
	startMaxMemory string
	startResetEnv  bool
	startWorkers   int
	startPortRange string
	startServer    string
)

func init() {
	startCmd.Flags().StringVar(&startName, "name", "", "Process name (defaults to the first script token)")
	startCmd.Flags().StringVar(&startWatch, "watch", "", "Reload when this path's content changes")
	startCmd.Flags().StringVar(&startMaxMemory, "max-memory", "", "Memory ceiling for the process tree (e.g. 512mb)")
	startCmd.Flags().BoolVar(&startResetEnv, "reset-env", false, "Clear the stored env overlay before starting an existing process")
	startCmd.Flags().IntVar(&startWorkers, "workers", 0, "Spawn N worker copies")
	startCmd.Flags().StringVar(&startPortRange, "port-range", "", "Worker ports: A-B for one port each, A for a shared port")
	startCmd.Flags().StringVar(&startServer, "server", "", "Target peer (default: local)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	t, err := resolveTarget(startServer)
	if err != nil {
		return err
	}
	item := args[0]

	// An argument that names an existing process restarts it in place.
	if id, ok, err := findExisting(t, item); err != nil {
		return err
	} else if ok {
		return startExisting(t, id)
	}

	var maxMemory uint64
	if startMaxMemory != "" {
		maxMemory, err = util.ParseMemory(startMaxMemory)
		if err != nil {
			return err
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	if startWorkers > 0 {
		return startWorkerPool(t, item, cwd, maxMemory)
	}

	spec := registry.CreateSpec{
		Name:      startName,
		Script:    item,
		Dir:       cwd,
		Watch:     startWatch,
		MaxMemory: maxMemory,
	}
	if err := t.StartNew(spec); err != nil {
		return err
	}
	name := spec.Name
	if name == "" {
		name = strings.Fields(item)[0]
	}
	fmt.Printf("✓ created process (%s)\n", name)
	return nil
}

// findExisting checks whether the argument addresses a process already on
// the target: a numeric id that exists, or a name match.
func findExisting(t target, item string) (int, bool, error) {
	if id, err := strconv.Atoi(item); err == nil {
		if _, err := t.Info(id); err == nil {
			return id, true, nil
		}
		return 0, false, nil
	}
	return t.FindByName(item)
}

func startExisting(t target, id int) error {
	if startResetEnv {
		if err := t.ClearEnv(id); err != nil {
			return err
		}
	}
	if startName != "" {
		if err := t.Rename(id, strings.TrimSpace(startName)); err != nil {
			return err
		}
	}
	if err := t.StartExisting(id); err != nil {
		return err
	}
	fmt.Printf("✓ started process (%d)\n", id)
	return nil
}

// startWorkerPool spawns N copies of the script, each with PORT in its env
// overlay.
func startWorkerPool(t target, script, cwd string, maxMemory uint64) error {
	ports, err := workerPorts(startPortRange, startWorkers)
	if err != nil {
		return err
	}

	base := startName
	if base == "" {
		base = strings.Fields(script)[0]
	}

	for i := 0; i < startWorkers; i++ {
		spec := registry.CreateSpec{
			Name:      fmt.Sprintf("%s-worker-%d", base, i+1),
			Script:    script,
			Dir:       cwd,
			Watch:     startWatch,
			MaxMemory: maxMemory,
		}
		if len(ports) > 0 {
			spec.Env = registry.Env{"PORT": strconv.Itoa(ports[i%len(ports)])}
		}
		if err := t.StartNew(spec); err != nil {
			return fmt.Errorf("starting worker %d: %w", i+1, err)
		}
		fmt.Printf("✓ created process (%s)\n", spec.Name)
	}
	return nil
}

// workerPorts expands --port-range. A-B yields one port per worker and must
// contain exactly n; a single port is shared by all workers; empty means no
// PORT assignment.
func workerPorts(rangeSpec string, n int) ([]int, error) {
	if rangeSpec == "" {
		return nil, nil
	}
	if a, b, ok := strings.Cut(rangeSpec, "-"); ok {
		lo, err1 := strconv.Atoi(strings.TrimSpace(a))
		hi, err2 := strconv.Atoi(strings.TrimSpace(b))
		if err1 != nil || err2 != nil || lo > hi {
			return nil, fmt.Errorf("invalid port range %q", rangeSpec)
		}
		if hi-lo+1 != n {
			return nil, fmt.Errorf("port range %q holds %d ports, need exactly %d", rangeSpec, hi-lo+1, n)
		}
		ports := make([]int, 0, n)
		for p := lo; p <= hi; p++ {
			ports = append(ports, p)
		}
		return ports, nil
	}

	port, err := strconv.Atoi(strings.TrimSpace(rangeSpec))
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", rangeSpec)
	}
	return []int{port}, nil
}
