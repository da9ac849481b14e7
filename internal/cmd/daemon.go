package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opm-sh/opm/internal/api"
	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/supervisor"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupDaemon,
	Short:   "Manage the opm daemon",
	RunE:    requireSubcommand,
	Long: `Manage the opm background daemon.

The daemon runs the supervisor loop: it watches every managed process,
restarts the ones that crash (up to the configured limit), enforces
memory ceilings, and reloads processes whose watched files change.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonRestart,
}

var daemonHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonHealth,
}

var daemonResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Re-seat the process id allocator",
	Args:  cobra.NoArgs,
	RunE:  runDaemonReset,
}

var daemonSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Write the default configuration files",
	Args:  cobra.NoArgs,
	RunE:  runDaemonSetup,
}

var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the daemon in the foreground (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runDaemonRun,
}

var (
	daemonAPI          bool
	daemonWebUI        bool
	daemonHealthFormat string
)

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonRestartCmd,
		daemonHealthCmd, daemonResetCmd, daemonSetupCmd, daemonRunCmd)

	for _, c := range []*cobra.Command{daemonStartCmd, daemonRestartCmd, daemonRunCmd} {
		c.Flags().BoolVar(&daemonAPI, "api", false, "Serve the HTTP API")
		c.Flags().BoolVar(&daemonWebUI, "webui", false, "Serve the embedded web UI")
	}
	daemonHealthCmd.Flags().StringVar(&daemonHealthFormat, "format", "default", "Output format: default, json")

	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	base, err := config.Base()
	if err != nil {
		return err
	}
	if err := supervisor.Start(base, supervisor.RunOpts{API: daemonAPI, WebUI: daemonWebUI}); err != nil {
		return err
	}
	fmt.Println("✓ opm daemon started")
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	base, err := config.Base()
	if err != nil {
		return err
	}
	if err := supervisor.Stop(base); err != nil {
		return err
	}
	fmt.Println("✓ opm daemon stopped")
	return nil
}

func runDaemonRestart(cmd *cobra.Command, args []string) error {
	base, err := config.Base()
	if err != nil {
		return err
	}
	if _, running := supervisor.ReadPid(base); running {
		if err := supervisor.Stop(base); err != nil {
			return err
		}
	}
	if err := supervisor.Start(base, supervisor.RunOpts{API: daemonAPI, WebUI: daemonWebUI}); err != nil {
		return err
	}
	fmt.Println("✓ opm daemon restarted")
	return nil
}

func runDaemonHealth(cmd *cobra.Command, args []string) error {
	base, err := config.Base()
	if err != nil {
		return err
	}
	info, err := supervisor.Health(base)
	if err != nil {
		return err
	}

	if daemonHealthFormat == "json" {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("status:         %s\n", info.Status)
	if info.Pid > 0 {
		fmt.Printf("pid:            %d\n", info.Pid)
	}
	fmt.Printf("pid file:       %s\n", info.PidFile)
	fmt.Printf("path:           %s\n", info.Path)
	fmt.Printf("cpu:            %s\n", info.CPU)
	fmt.Printf("memory:         %s\n", info.Mem)
	fmt.Printf("uptime:         %s\n", info.Uptime)
	fmt.Printf("process count:  %d\n", info.ProcessCount)
	return nil
}

func runDaemonReset(cmd *cobra.Command, args []string) error {
	base, err := config.Base()
	if err != nil {
		return err
	}
	if err := supervisor.Reset(base); err != nil {
		return err
	}
	fmt.Println("✓ id allocator reset")
	return nil
}

func runDaemonSetup(cmd *cobra.Command, args []string) error {
	base, err := config.Base()
	if err != nil {
		return err
	}
	if _, err := config.ReadFrom(base); err != nil {
		return err
	}
	if _, err := config.ReadServersFrom(base); err != nil {
		return err
	}
	fmt.Printf("✓ configuration written under %s\n", base)
	return nil
}

// runDaemonRun is the detached child's entrypoint: the supervisor loop in
// the foreground, with the API server attached when enabled.
func runDaemonRun(cmd *cobra.Command, args []string) error {
	base, err := config.Base()
	if err != nil {
		return err
	}
	d, err := supervisor.New(base, supervisor.RunOpts{API: daemonAPI, WebUI: daemonWebUI},
		func(d *supervisor.Daemon) error {
			server := api.NewServer(d.Base(), d.Probe(), d.Notifier(), d.Logger())
			return server.Run()
		})
	if err != nil {
		return err
	}
	return d.Run()
}
