// Package commands implements routerd's CLI surface: a cobra command
// tree with a long-running `serve` command plus the `routes`/`peers`
// introspection subcommands SPEC_FULL.md's supplemented-features
// section adds on top of the distilled spec.
//
// Structured the way gobfdctl/cmd/gobfdctl/commands lays out its
// command tree: one file per subcommand, a shared root.go holding
// persistent flags and Execute.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd is the top-level cobra command for routerd.
var rootCmd = &cobra.Command{
	Use:   "routerd",
	Short: "Hierarchical peer-to-peer message router daemon",
	Long:  "routerd runs a router core that accepts, routes, and forwards typed messages between physical and logical endpoints.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
