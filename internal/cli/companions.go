package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/kindred/internal/engine"
	"github.com/lazypower/kindred/internal/store"
)

var (
	compDesc   string
	compTraits string
	compGame   string
	compPrompt string

	prefUser       string
	prefCompanion  string
	prefConfidence float64

	statsUser string
)

var companionCmd = &cobra.Command{
	Use:   "companion",
	Short: "Manage companions",
}

var companionCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a companion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		c, err := a.engine.CreateCompanion(cmd.Context(), engine.CompanionRequest{
			Name:         args[0],
			Description:  compDesc,
			Personality:  compTraits,
			GameID:       compGame,
			SystemPrompt: compPrompt,
		})
		if err != nil {
			return fmt.Errorf("create companion: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", c.Name, c.ID)
		return nil
	},
}

var companionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active companions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		list, err := a.engine.ListCompanions(cmd.Context())
		if err != nil {
			return fmt.Errorf("list companions: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No companions yet.")
			return nil
		}
		for _, c := range list {
			fmt.Fprintf(out, "%s  %s: %s\n", c.ID, c.Name, c.Personality)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [companion-id]",
	Short: "Show relationship stats between a user and a companion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		st, err := a.engine.Stats(cmd.Context(), statsUser, args[0])
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "memories: %d\n", st.TotalMemories)
		if st.RelationshipAge != nil {
			fmt.Fprintf(out, "since:    %s\n", st.RelationshipAge.Format("2006-01-02"))
		}
		if len(st.RecentInteractions) > 0 {
			fmt.Fprintln(out, "recent:")
			for _, m := range st.RecentInteractions {
				fmt.Fprintf(out, "  - %s\n", m.Content)
			}
		}
		return nil
	},
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List memory types",
	Run: func(cmd *cobra.Command, args []string) {
		for _, t := range engine.MemoryTypes() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-14s %s\n", t.Name, t.Description)
		}
	},
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Inspect and record learned preferences",
}

var prefsLearnCmd = &cobra.Command{
	Use:   "learn [key] [value]",
	Short: "Record a preference observation",
	Long:  "Record a preference. The value is parsed as JSON when it is valid JSON and stored as a string otherwise.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		p, err := a.engine.LearnPreference(cmd.Context(), engine.LearnRequest{
			UserID:      prefUser,
			CompanionID: prefCompanion,
			Key:         args[0],
			Value:       parseValueArg(args[1]),
			Confidence:  prefConfidence,
		})
		if err != nil {
			return fmt.Errorf("learn: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (confidence %.2f)\n", p.Key, formatValue(p.Value), p.Confidence)
		return nil
	},
}

var prefsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List preferences, most confident first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		prefs, err := a.engine.ListPreferences(cmd.Context(), prefUser, prefCompanion)
		if err != nil {
			return fmt.Errorf("list preferences: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(prefs) == 0 {
			fmt.Fprintln(out, "No preferences learned yet.")
			return nil
		}
		for _, p := range prefs {
			fmt.Fprintf(out, "%s = %s (confidence %.2f)\n", p.Key, formatValue(p.Value), p.Confidence)
		}
		return nil
	},
}

func parseValueArg(s string) store.PreferenceValue {
	if v, err := store.ParseValue([]byte(s)); err == nil {
		return v
	}
	return store.StringValue(s)
}

func formatValue(v store.PreferenceValue) string {
	b, err := json.Marshal(v)
	if err != nil {
		return strings.TrimSpace(v.String)
	}
	return string(b)
}

func init() {
	companionCreateCmd.Flags().StringVarP(&compTraits, "personality", "p", "", "Personality traits (required)")
	companionCreateCmd.Flags().StringVarP(&compDesc, "description", "d", "", "Backstory")
	companionCreateCmd.Flags().StringVarP(&compGame, "game", "g", "", "Game ID")
	companionCreateCmd.Flags().StringVar(&compPrompt, "system-prompt", "", "Custom system prompt")
	companionCmd.AddCommand(companionCreateCmd)
	companionCmd.AddCommand(companionListCmd)

	for _, c := range []*cobra.Command{prefsLearnCmd, prefsListCmd} {
		c.Flags().StringVarP(&prefUser, "user", "u", "", "User ID (required)")
		c.Flags().StringVarP(&prefCompanion, "companion", "c", "", "Companion ID")
		c.MarkFlagRequired("user")
	}
	prefsLearnCmd.Flags().Float64Var(&prefConfidence, "confidence", 0.5, "Confidence 0-1")
	prefsCmd.AddCommand(prefsLearnCmd)
	prefsCmd.AddCommand(prefsListCmd)

	statsCmd.Flags().StringVarP(&statsUser, "user", "u", "", "User ID (required)")
	statsCmd.MarkFlagRequired("user")
}
