package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/kindred/internal/engine"
)

var (
	maintUser      string
	maintCompanion string
	maintDays      int
	maintMinSize   int
)

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Decay stale memories and archive those at the floor",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.engine.Decay(cmd.Context(), engine.DecayRequest{UserID: maintUser, OlderThanDays: maintDays})
		if err != nil {
			return fmt.Errorf("decay: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "decayed %d, archived %d\n", res.Updated, res.Archived)
		return nil
	},
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Fold old memories into summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.engine.Consolidate(cmd.Context(), engine.ConsolidateRequest{
			UserID:        maintUser,
			OlderThanDays: maintDays,
			MinGroupSize:  maintMinSize,
		})
		if err != nil {
			return fmt.Errorf("consolidate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "consolidated %d memories\n", n)
		return nil
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Group a companion's recent memories by topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		clusters, err := a.engine.Cluster(cmd.Context(), engine.ClusterRequest{
			UserID:         maintUser,
			CompanionID:    maintCompanion,
			MinClusterSize: maintMinSize,
		})
		if err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(clusters) == 0 {
			fmt.Fprintln(out, "No clusters formed.")
			return nil
		}
		for _, c := range clusters {
			fmt.Fprintf(out, "- %s (%d memories)\n", c.Topic, len(c.MemberIDs))
		}
		return nil
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run decay, consolidation and clustering",
	Long:  "Runs the scheduled maintenance sequence once. With --user only that user is maintained.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.close()

		var results []engine.MaintenanceResult
		if maintUser != "" {
			res, err := a.engine.MaintainUser(cmd.Context(), maintUser)
			if err != nil {
				return fmt.Errorf("maintain: %w", err)
			}
			results = append(results, res)
		} else {
			results = a.engine.RunMaintenance(cmd.Context())
		}

		out := cmd.OutOrStdout()
		for _, r := range results {
			if r.Skipped {
				fmt.Fprintf(out, "%s: skipped (maintenance already running)\n", r.UserID)
				continue
			}
			fmt.Fprintf(out, "%s: decayed %d, archived %d, consolidated %d, clusters %d\n",
				r.UserID, r.Decay.Updated, r.Decay.Archived, r.Consolidated, r.Clusters)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{decayCmd, consolidateCmd, clusterCmd} {
		c.Flags().StringVarP(&maintUser, "user", "u", "", "User ID (required)")
		c.MarkFlagRequired("user")
	}
	maintainCmd.Flags().StringVarP(&maintUser, "user", "u", "", "User ID (default: every user)")

	decayCmd.Flags().IntVar(&maintDays, "days", 0, "Staleness in days (default: config)")
	consolidateCmd.Flags().IntVar(&maintDays, "days", 0, "Age in days before consolidation (default: config)")
	consolidateCmd.Flags().IntVar(&maintMinSize, "keep", 0, "Memories kept per group (default: config)")
	clusterCmd.Flags().StringVarP(&maintCompanion, "companion", "c", "", "Companion ID (required)")
	clusterCmd.Flags().IntVar(&maintMinSize, "min-size", 0, "Minimum cluster size (default: config)")
	clusterCmd.MarkFlagRequired("companion")
}
