package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the routerd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("routerd " + Version)
			return nil
		},
	}
}
