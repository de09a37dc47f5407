package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lilltek/router/internal/config"
	"github.com/lilltek/router/internal/snapshot"
)

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the logical routes of a running routerd's last snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			snap, err := snapshot.ReadFile(cfg.Router.StateFile)
			if err != nil {
				return fmt.Errorf("reading state snapshot: %w", err)
			}

			fmt.Printf("logical endpoint set: %s (taken %s)\n", snap.LogicalEndpointSetID, snap.Taken.Format("2006-01-02T15:04:05Z07:00"))
			if len(snap.Routes) == 0 {
				fmt.Println("no routes registered")
				return nil
			}
			for _, r := range snap.Routes {
				group := ""
				if r.TargetGroup != "" {
					group = " group=" + r.TargetGroup
				}
				fmt.Printf("%-40s keys=%s%s\n", r.Endpoint, strings.Join(r.Keys, ","), group)
			}
			return nil
		},
	}
}
