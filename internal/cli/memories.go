package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/kindred/internal/client"
	"github.com/lazypower/kindred/internal/engine"
	"github.com/lazypower/kindred/internal/store"
)

var (
	memUser       string
	memCompanion  string
	memGame       string
	memType       string
	memImportance float64
	memParent     string
	recallLimit   int
	recallAll     bool
	serverURL     string
)

var rememberCmd = &cobra.Command{
	Use:   "remember [content]",
	Short: "Store a memory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemember,
}

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Recall memories by meaning",
	Long:  "Retrieve the memories most similar to the query. Falls back to recency when no embedder is configured.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRecall,
}

func init() {
	for _, c := range []*cobra.Command{rememberCmd, recallCmd} {
		c.Flags().StringVarP(&memUser, "user", "u", "", "User ID (required)")
		c.Flags().StringVarP(&memCompanion, "companion", "c", "", "Companion ID")
		c.Flags().StringVarP(&memGame, "game", "g", "", "Game ID")
		c.Flags().StringVar(&serverURL, "server", "", "Send through a running kindred server instead of opening the database")
		c.MarkFlagRequired("user")
	}
	rememberCmd.Flags().StringVarP(&memType, "type", "t", "", "Memory type (default: conversation)")
	rememberCmd.Flags().Float64Var(&memImportance, "importance", 0, "Importance 0-10 (default: per type)")
	rememberCmd.Flags().StringVar(&memParent, "parent", "", "Parent memory ID; joins its conversation")

	recallCmd.Flags().IntVarP(&recallLimit, "limit", "n", 10, "Maximum number of results")
	recallCmd.Flags().BoolVar(&recallAll, "archived", false, "Include archived memories")
}

// memoryAPI is the slice of the engine that remember and recall need. The
// engine and the HTTP client both satisfy it.
type memoryAPI interface {
	Store(ctx context.Context, req engine.StoreRequest) (*store.Memory, error)
	Retrieve(ctx context.Context, req engine.RetrieveRequest) ([]store.Memory, error)
}

// memories returns the remote client when --server is set and a local
// engine otherwise.
func memories(cmd *cobra.Command) (memoryAPI, func(), error) {
	if serverURL != "" {
		return client.New(serverURL), func() {}, nil
	}
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return nil, nil, err
	}
	return a.engine, a.close, nil
}

func runRemember(cmd *cobra.Command, args []string) error {
	api, done, err := memories(cmd)
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	m, err := api.Store(ctx, engine.StoreRequest{
		UserID:         memUser,
		Content:        strings.Join(args, " "),
		CompanionID:    memCompanion,
		GameID:         memGame,
		Type:           memType,
		Importance:     memImportance,
		ParentMemoryID: memParent,
	})
	if err != nil {
		return fmt.Errorf("remember: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "stored %s [%s, importance %.1f]\n", m.ID, m.Type, m.Importance)
	if m.Embedding == nil {
		fmt.Fprintln(out, "  (no embedding; recall will use recency for this memory)")
	}
	return nil
}

func runRecall(cmd *cobra.Command, args []string) error {
	api, done, err := memories(cmd)
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	mems, err := api.Retrieve(ctx, engine.RetrieveRequest{
		UserID:          memUser,
		Query:           strings.Join(args, " "),
		CompanionID:     memCompanion,
		GameID:          memGame,
		Limit:           recallLimit,
		IncludeArchived: recallAll,
	})
	if err != nil {
		return fmt.Errorf("recall: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(mems) == 0 {
		fmt.Fprintln(out, "No memories found.")
		return nil
	}
	for i, m := range mems {
		fmt.Fprintf(out, "%d. [%s %.1f] %s\n", i+1, m.Type, m.Importance, m.Content)
		fmt.Fprintf(out, "   %s  %s\n", m.ID, m.CreatedAt.Format(time.RFC3339))
	}
	return nil
}
