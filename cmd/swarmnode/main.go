// Command swarmnode runs a single network node: it loads
// configuration, generates an identity, starts the swarm driver,
// bootstraps into the network, and serves until interrupted. A new
// identity is generated on every start, and no reachability detector
// is started.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/antswarm/swarmcore/internal/config"
	"github.com/antswarm/swarmcore/pkg/logging"
)

func main() {
	rootCmd := &cobra.Command{Use: "swarmnode"}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var logLevel string
	var firstNode bool
	var localMode bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the swarm node",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLevel(logLevel)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("swarmnode: load config: %w", err)
			}
			cfg.FirstNode = firstNode
			cfg.LocalMode = localMode

			return runNode(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.Flags().BoolVar(&firstNode, "first", false, "start as the first node of a new network")
	cmd.Flags().BoolVar(&localMode, "local", false, "accept non-globally-routable peer addresses")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the node's protocol version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.Default().ProtocolVersion)
		},
	}
}
