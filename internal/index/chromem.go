// Package index provides the in-process vector index kindred can put in
// front of sqlite to narrow retrieval candidates.
package index

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/lazypower/kindred/internal/store"
)

// Chromem keeps one chromem-go collection per user. Documents carry only
// ids and scope metadata; content stays in sqlite.
type Chromem struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	active      map[string]map[string]struct{} // user -> unarchived document ids
	mu          sync.RWMutex
}

// NewChromem creates an empty in-memory index.
func NewChromem() *Chromem {
	return &Chromem{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		active:      make(map[string]map[string]struct{}),
	}
}

func (c *Chromem) collection(userID string, create bool) (*chromem.Collection, error) {
	c.mu.RLock()
	col, ok := c.collections[userID]
	c.mu.RUnlock()
	if ok || !create {
		return col, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[userID]; ok {
		return col, nil
	}
	// Embeddings are always supplied, so no embedding func is needed.
	col, err := c.db.CreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	c.collections[userID] = col
	return col, nil
}

// Add inserts or replaces the document for m. Memories without a usable
// vector are ignored.
func (c *Chromem) Add(ctx context.Context, m store.Memory) error {
	vec, ok := toFloat32(m.Embedding)
	if !ok {
		return nil
	}
	col, err := c.collection(m.UserID, true)
	if err != nil {
		return err
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        m.ID,
		Content:   m.ID,
		Embedding: vec,
		Metadata: map[string]string{
			"companion_id": m.CompanionID,
			"game_id":      m.GameID,
			"archived":     strconv.FormatBool(m.IsArchived),
		},
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.active[m.UserID]
	if ids == nil {
		ids = make(map[string]struct{})
		c.active[m.UserID] = ids
	}
	if m.IsArchived {
		delete(ids, m.ID)
	} else {
		ids[m.ID] = struct{}{}
	}
	return nil
}

// Count returns the number of unarchived documents held for userID.
func (c *Chromem) Count(_ context.Context, userID string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active[userID]), nil
}

// Query returns up to n ids of active documents of userID, most similar
// first, narrowed to companionID and gameID when they are set.
func (c *Chromem) Query(ctx context.Context, userID, companionID, gameID string, vec []float64, n int) ([]string, error) {
	q, ok := toFloat32(vec)
	if !ok || n <= 0 {
		return nil, nil
	}
	col, err := c.collection(userID, false)
	if err != nil || col == nil {
		return nil, err
	}
	// chromem-go rejects nResults above the collection size but ranks
	// fewer when the where filter leaves fewer documents.
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	where := map[string]string{"archived": "false"}
	if companionID != "" {
		where["companion_id"] = companionID
	}
	if gameID != "" {
		where["game_id"] = gameID
	}
	results, err := col.QueryEmbedding(ctx, q, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids, nil
}

// Len reports how many documents the index holds across all users.
func (c *Chromem) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, col := range c.collections {
		total += col.Count()
	}
	return total
}

// toFloat32 converts a vector for chromem-go. A zero or empty vector has no
// direction and cannot be normalized, so it is rejected.
func toFloat32(vec []float64) ([]float32, bool) {
	if len(vec) == 0 {
		return nil, false
	}
	out := make([]float32, len(vec))
	var sum float64
	for i, v := range vec {
		out[i] = float32(v)
		sum += v * v
	}
	if sum == 0 || math.IsNaN(sum) {
		return nil, false
	}
	return out, true
}
