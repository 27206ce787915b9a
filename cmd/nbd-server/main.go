// A command to run NBD servers
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockserve/nbdserver/nbd"
	"github.com/blockserve/nbdserver/server"

	_ "github.com/blockserve/nbdserver/backend/aio"
	_ "github.com/blockserve/nbdserver/backend/file"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nbd-server",
		Short: "Serve block devices over the Network Block Device protocol",
	}
	root.AddCommand(newServeCmd(), newVersionCmd(), newListBackendsCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	var foreground bool
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server using a YAML configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.RunWithConfig(configPath, foreground, debug, nil)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/nbd-server.yaml", "path to the YAML configuration file")
	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground instead of detaching")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging regardless of the config file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newListBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-backends",
		Short: "List the registered backend drivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range nbd.BackendNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
