package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/store"
)

// RetrieveRequest scopes a retrieval. Limit 0 uses the configured default.
type RetrieveRequest struct {
	UserID          string `json:"user_id"`
	Query           string `json:"query"`
	CompanionID     string `json:"companion_id,omitempty"`
	GameID          string `json:"game_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
}

// Retrieve returns the memories most relevant to req.Query. With a query
// vector, memories are ordered by cosine similarity and memories without a
// comparable vector follow by recency. Without one (no embedder, or the
// embedding failed) the order is recency alone. Every returned memory is
// touched.
func (e *Engine) Retrieve(ctx context.Context, req RetrieveRequest) ([]store.Memory, error) {
	start := time.Now()
	if strings.TrimSpace(req.UserID) == "" {
		return nil, invalid("user_id", "required")
	}
	if req.Limit < 0 {
		return nil, invalid("limit", "must not be negative")
	}
	if req.Limit == 0 {
		req.Limit = e.opts.RetrieveLimit
	}
	if !e.available(ctx, "retrieve") {
		return nil, nil
	}

	var (
		queryVec []float64
		model    string
	)
	if strings.TrimSpace(req.Query) != "" {
		queryVec, model = e.embed(ctx, req.Query)
	}

	var (
		results []store.Memory
		err     error
	)
	switch {
	case queryVec == nil:
		results, err = e.DB.ListMemories(ctx, e.scopeFilter(req, req.Limit))
	case e.Index != nil && !req.IncludeArchived:
		results, err = e.retrieveIndexed(ctx, req, queryVec, model)
		if err != nil {
			if errors.Is(err, errIndexBehind) {
				e.log.Debug("index behind store, scanning", zap.String("user_id", req.UserID))
			} else {
				e.log.Warn("index query failed, scanning store", zap.Error(err))
			}
			results, err = e.retrieveScan(ctx, req, queryVec, model)
		}
	default:
		results, err = e.retrieveScan(ctx, req, queryVec, model)
	}
	if err != nil {
		return nil, err
	}
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}

	e.touch(ctx, results)
	e.Metrics.memoriesRetrieved(ctx, len(results), time.Since(start))
	return results, nil
}

func (e *Engine) scopeFilter(req RetrieveRequest, limit int) store.MemoryFilter {
	return store.MemoryFilter{
		UserID:          req.UserID,
		CompanionID:     req.CompanionID,
		GameID:          req.GameID,
		IncludeArchived: req.IncludeArchived,
		Now:             e.now(),
		Limit:           limit,
	}
}

// retrieveScan ranks every in-scope memory in Go. A vector is comparable
// when it has the query's length and came from the same model; rows stored
// before models were recorded only need the length to match.
func (e *Engine) retrieveScan(ctx context.Context, req RetrieveRequest, queryVec []float64, model string) ([]store.Memory, error) {
	mems, err := e.DB.ListMemories(ctx, e.scopeFilter(req, 0))
	if err != nil {
		return nil, err
	}

	type scored struct {
		mem store.Memory
		sim float64
	}
	var ranked []scored
	var rest []store.Memory // already newest first
	for _, m := range mems {
		if len(m.Embedding) != len(queryVec) || (m.EmbeddingModel != "" && m.EmbeddingModel != model) {
			rest = append(rest, m)
			continue
		}
		ranked = append(ranked, scored{m, CosineSimilarity(queryVec, m.Embedding)})
	}
	// Stable so equal scores keep recency order.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].sim > ranked[j].sim
	})

	out := make([]store.Memory, 0, len(mems))
	for _, r := range ranked {
		out = append(out, r.mem)
	}
	return append(out, rest...), nil
}

// retrieveIndexed asks the index for candidates, re-checks them against the
// store, and tops up with memories lacking a vector from model by recency.
// An index that does not cover the user's memories yields errIndexBehind
// and starts a rebuild.
func (e *Engine) retrieveIndexed(ctx context.Context, req RetrieveRequest, queryVec []float64, model string) ([]store.Memory, error) {
	covers, err := e.indexCovers(ctx, req.UserID, model)
	if err != nil {
		return nil, err
	}
	if !covers {
		e.resyncIndex()
		return nil, errIndexBehind
	}

	ids, err := e.Index.Query(ctx, req.UserID, req.CompanionID, req.GameID, queryVec, req.Limit)
	if err != nil {
		return nil, err
	}
	mems, err := e.DB.GetMemoriesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.Memory, len(mems))
	for _, m := range mems {
		byID[m.ID] = m
	}

	now := e.now()
	out := make([]store.Memory, 0, req.Limit)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok || !inScope(m, req, now) {
			continue
		}
		out = append(out, m)
		seen[id] = true
	}
	if len(out) >= req.Limit {
		return out, nil
	}

	f := e.scopeFilter(req, req.Limit)
	f.MissingModel = model
	extra, err := e.DB.ListMemories(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, m := range extra {
		if !seen[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func inScope(m store.Memory, req RetrieveRequest, now time.Time) bool {
	if m.UserID != req.UserID || m.IsArchived {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
		return false
	}
	if req.CompanionID != "" && m.CompanionID != req.CompanionID {
		return false
	}
	if req.GameID != "" && m.GameID != req.GameID {
		return false
	}
	return true
}

// touch records the access on the returned memories and mirrors it on the
// structs. A failed touch is logged; the results are still returned.
func (e *Engine) touch(ctx context.Context, mems []store.Memory) {
	if len(mems) == 0 {
		return
	}
	now := e.now().UTC().Truncate(time.Millisecond)
	ids := make([]string, len(mems))
	for i := range mems {
		ids[i] = mems[i].ID
	}
	if err := e.DB.TouchMemories(ctx, ids, now); err != nil {
		e.log.Warn("touch memories failed", zap.Error(err))
		return
	}
	for i := range mems {
		mems[i].AccessCount++
		mems[i].LastAccessedAt = now
	}
}

// HistoryRequest selects conversation memories. Limit 0 means 20.
type HistoryRequest struct {
	UserID         string `json:"user_id"`
	CompanionID    string `json:"companion_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// History returns the newest Limit active conversation memories in
// chronological order. It does not touch them.
func (e *Engine) History(ctx context.Context, req HistoryRequest) ([]store.Memory, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, invalid("user_id", "required")
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if !e.available(ctx, "history") {
		return nil, nil
	}

	mems, err := e.DB.ListMemories(ctx, store.MemoryFilter{
		UserID:         req.UserID,
		CompanionID:    req.CompanionID,
		ConversationID: req.ConversationID,
		Type:           store.TypeConversation,
		Now:            e.now(),
		Limit:          req.Limit,
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(mems)-1; i < j; i, j = i+1, j-1 {
		mems[i], mems[j] = mems[j], mems[i]
	}
	return mems, nil
}

// GetMemory returns one memory by id without touching it.
func (e *Engine) GetMemory(ctx context.Context, id string) (*store.Memory, error) {
	if !e.available(ctx, "get memory") {
		return nil, ErrUnavailable
	}
	m, err := e.DB.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &NotFoundError{Kind: "memory", ID: id}
	}
	return m, nil
}
