package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/store"
)

// Index is an optional nearest-neighbour accelerator over memory
// embeddings. sqlite stays the source of truth; the index only proposes
// candidate ids, which are re-checked against the store. Retrieval uses it
// only while it holds as many active documents for the user as the store
// holds vectors from the current embedder.
type Index interface {
	// Add inserts or replaces the document for m, including its archived flag.
	Add(ctx context.Context, m store.Memory) error
	// Query returns up to n ids of active memories of userID closest to vec,
	// narrowed to companionID/gameID when set.
	Query(ctx context.Context, userID, companionID, gameID string, vec []float64, n int) ([]string, error)
	// Count returns the number of unarchived documents held for userID.
	Count(ctx context.Context, userID string) (int, error)
}

const rebuildTimeout = 5 * time.Minute

// errIndexBehind means the index does not cover the store for a user.
var errIndexBehind = errors.New("vector index behind store")

// indexCovers reports whether the index holds every unarchived memory of
// userID embedded by model.
func (e *Engine) indexCovers(ctx context.Context, userID, model string) (bool, error) {
	indexed, err := e.Index.Count(ctx, userID)
	if err != nil {
		return false, err
	}
	stored, err := e.DB.CountEmbedded(ctx, userID, model)
	if err != nil {
		return false, err
	}
	return indexed == stored, nil
}

// resyncIndex rebuilds the index in the background. Concurrent requests
// share one rebuild.
func (e *Engine) resyncIndex() {
	if !e.reindexing.CompareAndSwap(false, true) {
		return
	}
	e.goBackground(rebuildTimeout, func(ctx context.Context) {
		defer e.reindexing.Store(false)
		if n, err := e.RebuildIndex(ctx); err != nil {
			e.log.Warn("index resync failed", zap.Error(err))
		} else {
			e.log.Debug("index resynced", zap.Int("documents", n))
		}
	})
}

// indexMemory adds m to the index when it carries a vector from the current
// embedder. Failures are logged; the store already holds the memory.
func (e *Engine) indexMemory(ctx context.Context, m store.Memory) {
	if e.Index == nil || m.Embedding == nil || e.Embedder == nil || m.EmbeddingModel != e.Embedder.Model() {
		return
	}
	if err := e.Index.Add(ctx, m); err != nil {
		e.log.Warn("index add failed", zap.String("memory_id", m.ID), zap.Error(err))
	}
}

// reindexArchived re-adds archived memories so the index stops proposing them.
func (e *Engine) reindexArchived(ctx context.Context, ids []string) {
	if e.Index == nil || len(ids) == 0 {
		return
	}
	mems, err := e.DB.GetMemoriesByIDs(ctx, ids)
	if err != nil {
		e.log.Warn("reindex archived: load memories", zap.Error(err))
		return
	}
	for _, m := range mems {
		e.indexMemory(ctx, m)
	}
}

// RebuildIndex loads every embedded memory (archived included, so their
// flags are current) into the index. Returns the number indexed.
func (e *Engine) RebuildIndex(ctx context.Context) (int, error) {
	if e.Index == nil || e.Embedder == nil {
		return 0, nil
	}
	if !e.available(ctx, "rebuild index") {
		return 0, ErrUnavailable
	}
	mems, err := e.DB.ListMemories(ctx, store.MemoryFilter{EmbeddedOnly: true, IncludeArchived: true, Oldest: true})
	if err != nil {
		return 0, err
	}
	n := 0
	model := e.Embedder.Model()
	for _, m := range mems {
		if m.EmbeddingModel != model {
			continue
		}
		if err := e.Index.Add(ctx, m); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
