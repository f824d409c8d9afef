package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kindred",
	Short: "Long-term memory for game companions",
	Long: "Kindred stores what players and their companions lived through, recalls it by meaning, " +
		"and learns player preferences over time. Single Go binary backed by SQLite.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (default: built-in defaults)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(decayCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(prefsCmd)
	rootCmd.AddCommand(companionCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(typesCmd)
}
