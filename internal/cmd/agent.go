package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opm-sh/opm/internal/agent"
	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/remote"
)

var agentCmd = &cobra.Command{
	Use:     "agent",
	GroupID: GroupFederate,
	Short:   "Run this host as an agent of a central server",
	RunE:    requireSubcommand,
}

var agentConnectCmd = &cobra.Command{
	Use:   "connect <server-url>",
	Short: "Register with a server and keep the federation channel open",
	Long: `Connect this host to a central opm server. The command mints (or
reuses) this host's agent identity, opens the websocket channel, registers,
and heartbeats until the process is stopped or the server deletes the
agent. A deleted agent exits cleanly with code 0.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentConnect,
}

var agentDisconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Forget this host's agent identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.RemoveAgent(); err != nil {
			return err
		}
		fmt.Println("✓ agent identity removed")
		return nil
	},
}

var agentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this host's agent identity and server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, ok, err := config.ReadAgent()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("not connected (no agent identity)")
			return nil
		}
		fmt.Printf("id:         %s\n", cfg.ID)
		fmt.Printf("name:       %s\n", cfg.Name)
		fmt.Printf("server:     %s\n", cfg.ServerURL)
		fmt.Printf("heartbeat:  %ds\n", cfg.HeartbeatInterval)
		fmt.Printf("api:        %s:%d\n", cfg.APIAddress, cfg.APIPort)
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents connected to the configured server",
	Args:  cobra.NoArgs,
	RunE:  runAgentList,
}

var (
	agentName  string
	agentToken string
)

func init() {
	agentConnectCmd.Flags().StringVar(&agentName, "name", "", "Agent name (defaults to hostname)")
	agentConnectCmd.Flags().StringVar(&agentToken, "token", "", "Server auth token")
	agentCmd.AddCommand(agentConnectCmd, agentDisconnectCmd, agentStatusCmd, agentListCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentConnect(cmd *cobra.Command, args []string) error {
	base, err := config.Base()
	if err != nil {
		return err
	}

	// Reuse the persisted identity when reconnecting to the same server so
	// the server keeps seeing one stable agent.
	cfg, ok, err := config.ReadAgent()
	if err != nil {
		return err
	}
	if !ok || cfg.ServerURL != args[0] {
		cfg = config.NewAgent(args[0], agentName, agentToken)
		if err := cfg.Save(); err != nil {
			return err
		}
	}

	logFile, err := os.OpenFile(config.LogPath(base), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	logger := log.New(logFile, "", log.LstdFlags)

	fmt.Printf("✓ connecting to %s as %s (%s)\n", cfg.ServerURL, cfg.Name, cfg.ID)
	err = agent.NewLink(cfg, logger).Run(context.Background())
	if errors.Is(err, agent.ErrRevoked) {
		// The server has forgotten this agent. Exit cleanly rather than
		// resurrect a stale identity.
		fmt.Println("agent was removed on the server, exiting")
		return nil
	}
	return err
}

func runAgentList(cmd *cobra.Command, args []string) error {
	cfg, ok, err := config.ReadAgent()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("not connected: run 'opm agent connect <server-url>' first")
	}

	client := remote.NewClient(cfg.ServerURL, remote.WithToken(cfg.Token))
	agents, err := client.Agents()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "id\tname\thostname\tstatus\tlast seen")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Name, a.Hostname, a.Status,
			time.Unix(a.LastSeen, 0).Format(time.RFC3339))
	}
	return w.Flush()
}
