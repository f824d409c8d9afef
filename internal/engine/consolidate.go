package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/llm"
	"github.com/lazypower/kindred/internal/store"
)

// ConsolidateRequest selects the user and thresholds. Zero values use the
// configured defaults.
type ConsolidateRequest struct {
	UserID        string `json:"user_id"`
	OlderThanDays int    `json:"older_than_days,omitempty"`
	MinGroupSize  int    `json:"min_group_size,omitempty"`
}

type groupKey struct {
	memType, companionID, gameID string
}

// Consolidate folds old memories into summaries. Active memories older than
// the cutoff are grouped by (type, companion, game); in each group with more
// than MinGroupSize members the newest MinGroupSize stay and the rest are
// replaced by one consolidated memory. Returns the number archived.
func (e *Engine) Consolidate(ctx context.Context, req ConsolidateRequest) (int, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return 0, invalid("user_id", "required")
	}
	if req.OlderThanDays < 0 || req.MinGroupSize < 0 {
		return 0, invalid("consolidate", "thresholds must not be negative")
	}
	days := req.OlderThanDays
	if days == 0 {
		days = e.opts.StaleDays
	}
	keep := req.MinGroupSize
	if keep == 0 {
		keep = e.opts.ConsolidationGroupSize
	}
	if !e.available(ctx, "consolidate") {
		return 0, nil
	}

	now := e.now()
	mems, err := e.DB.ListMemories(ctx, store.MemoryFilter{
		UserID:        req.UserID,
		CreatedBefore: now.Add(-time.Duration(days) * 24 * time.Hour),
		Now:           now,
		Oldest:        true,
	})
	if err != nil {
		return 0, err
	}

	groups := make(map[groupKey][]store.Memory)
	var order []groupKey
	for _, m := range mems {
		k := groupKey{m.Type, m.CompanionID, m.GameID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], m)
	}

	total := 0
	for _, k := range order {
		group := groups[k]
		if len(group) <= keep {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		candidates := group[:len(group)-keep]

		n, err := e.consolidateGroup(ctx, req.UserID, k, candidates)
		if err != nil {
			e.log.Warn("consolidation failed for group",
				zap.String("user_id", req.UserID),
				zap.String("type", k.memType),
				zap.Error(err))
			continue
		}
		total += n
	}

	e.Metrics.memoriesArchived(ctx, "consolidate", total)
	if total > 0 {
		e.log.Info("consolidation complete", zap.String("user_id", req.UserID), zap.Int("archived", total))
	}
	return total, nil
}

func (e *Engine) consolidateGroup(ctx context.Context, userID string, k groupKey, candidates []store.Memory) (int, error) {
	contents := make([]string, len(candidates))
	ids := make([]string, len(candidates))
	for i, m := range candidates {
		contents[i] = m.Content
		ids[i] = m.ID
	}

	summary := strings.TrimSpace(e.complete(ctx, llm.ConsolidationSystem, llm.ConsolidationPrompt(contents)))
	if summary == "" {
		summary = truncateClean(strings.Join(contents, "\n"), e.opts.FallbackSummaryLength)
	}

	m := &store.Memory{
		UserID:      userID,
		CompanionID: k.companionID,
		GameID:      k.gameID,
		Content:     summary,
		Type:        store.TypeConsolidated,
		Importance:  e.opts.ConsolidatedImportance,
		Metadata: map[string]any{
			"originalCount": len(candidates),
			"dateRange": map[string]any{
				"from": candidates[0].CreatedAt,
				"to":   candidates[len(candidates)-1].CreatedAt,
			},
			"sourceType": k.memType,
		},
		CreatedAt: e.now(),
	}
	m.Embedding, m.EmbeddingModel = e.embed(ctx, summary)

	n, err := e.DB.Consolidate(ctx, m, ids)
	if err != nil {
		return 0, err
	}
	e.Metrics.memoryStored(ctx, m.Type)
	e.indexMemory(ctx, *m)
	e.reindexArchived(ctx, ids)
	return n, nil
}
