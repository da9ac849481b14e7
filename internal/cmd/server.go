package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/remote"
)

var serverCmd = &cobra.Command{
	Use:     "server",
	GroupID: GroupFederate,
	Short:   "Manage named peer servers",
	RunE:    requireSubcommand,
}

var serverAddCmd = &cobra.Command{
	Use:   "add <name> <address>",
	Short: "Add a peer server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		servers, err := config.ReadServers()
		if err != nil {
			return err
		}
		servers.Servers[args[0]] = config.Server{Address: args[1], Token: serverToken}
		if err := servers.Save(); err != nil {
			return err
		}
		fmt.Printf("✓ added server %s (%s)\n", args[0], args[1])
		return nil
	},
}

var serverRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a peer server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		servers, err := config.ReadServers()
		if err != nil {
			return err
		}
		if _, ok := servers.Servers[args[0]]; !ok {
			return fmt.Errorf("server '%s' does not exist", args[0])
		}
		delete(servers.Servers, args[0])
		if err := servers.Save(); err != nil {
			return err
		}
		fmt.Printf("✓ removed server %s\n", args[0])
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List peer servers and whether they answer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		servers, err := config.ReadServers()
		if err != nil {
			return err
		}

		names := make([]string, 0, len(servers.Servers))
		for name := range servers.Servers {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "name\taddress\tstatus")
		for _, name := range names {
			srv, _ := servers.Get(name)
			status := "offline"
			if remote.Connect(srv).Healthy() {
				status = "online"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, srv.Address, status)
		}
		return w.Flush()
	},
}

var serverDefaultCmd = &cobra.Command{
	Use:   "default <name>",
	Short: "Set the default target for commands without --server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read()
		if err != nil {
			return err
		}
		if args[0] != "local" && args[0] != "internal" {
			servers, err := config.ReadServers()
			if err != nil {
				return err
			}
			if _, ok := servers.Servers[args[0]]; !ok {
				return fmt.Errorf("server '%s' does not exist", args[0])
			}
		}
		cfg.Default = args[0]
		if err := cfg.Save(); err != nil {
			return err
		}
		fmt.Printf("✓ default server is now %s\n", args[0])
		return nil
	},
}

var serverToken string

func init() {
	serverAddCmd.Flags().StringVar(&serverToken, "token", "", "Auth token for the peer")
	serverCmd.AddCommand(serverAddCmd, serverRemoveCmd, serverListCmd, serverDefaultCmd)
	rootCmd.AddCommand(serverCmd)
}
