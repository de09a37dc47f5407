package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lilltek/router/internal/config"
	"github.com/lilltek/router/internal/snapshot"
)

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List the known peer routers of a running routerd's last snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			snap, err := snapshot.ReadFile(cfg.Router.StateFile)
			if err != nil {
				return fmt.Errorf("reading state snapshot: %w", err)
			}

			if len(snap.Peers) == 0 {
				fmt.Println("no peer routers known")
				return nil
			}
			for _, p := range snap.Peers {
				fmt.Printf("%-40s set=%s last_seen=%s\n", p.RouterEP, p.LogicalEndpointSetID, p.LastSeen.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
}
