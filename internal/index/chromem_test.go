package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/kindred/internal/engine"
	"github.com/lazypower/kindred/internal/store"
)

var _ engine.Index = (*Chromem)(nil)

func mem(id, user, companion string, vec ...float64) store.Memory {
	return store.Memory{ID: id, UserID: user, CompanionID: companion, Embedding: vec}
}

func TestChromemQueryRanksAndScopes(t *testing.T) {
	idx := NewChromem()
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, mem("a", "u1", "aria", 1, 0, 0)))
	require.NoError(t, idx.Add(ctx, mem("b", "u1", "aria", 0.8, 0.6, 0)))
	require.NoError(t, idx.Add(ctx, mem("c", "u1", "bram", 1, 0.1, 0)))
	require.NoError(t, idx.Add(ctx, mem("d", "u2", "aria", 1, 0, 0)))
	assert.Equal(t, 4, idx.Len())

	ids, err := idx.Query(ctx, "u1", "", "", []float64{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, ids)

	ids, err = idx.Query(ctx, "u1", "aria", "", []float64{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, err = idx.Query(ctx, "u1", "", "", []float64{1, 0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestChromemArchivedDocumentsAreHidden(t *testing.T) {
	idx := NewChromem()
	ctx := context.Background()

	m := mem("a", "u1", "aria", 1, 0)
	require.NoError(t, idx.Add(ctx, m))
	require.NoError(t, idx.Add(ctx, mem("b", "u1", "aria", 0, 1)))

	n, err := idx.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m.IsArchived = true
	require.NoError(t, idx.Add(ctx, m))
	assert.Equal(t, 2, idx.Len(), "re-adding replaces the document")
	n, err = idx.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "archived documents are not counted")

	ids, err := idx.Query(ctx, "u1", "aria", "", []float64{1, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestChromemIgnoresUnusableVectors(t *testing.T) {
	idx := NewChromem()
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, mem("none", "u1", "")))
	require.NoError(t, idx.Add(ctx, mem("zero", "u1", "", 0, 0)))
	assert.Zero(t, idx.Len())
	n, err := idx.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	ids, err := idx.Query(ctx, "unknown", "", "", []float64{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = idx.Query(ctx, "u1", "", "", []float64{0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestChromemBacksEngineRetrieval(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := engine.New(db, nil, engine.DefaultOptions(), nil)
	e.SetEmbedder(engine.NewHashEmbedder(256))
	idx := NewChromem()
	e.SetIndex(idx)
	t.Cleanup(e.Stop)
	ctx := context.Background()

	for _, c := range []string{"the lighthouse keeper's lantern", "a duel at the chess club", "lantern festival by the lighthouse"} {
		_, err := e.Store(ctx, engine.StoreRequest{UserID: "u1", Content: c, Type: store.TypeStory})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, idx.Len())

	got, err := e.Retrieve(ctx, engine.RetrieveRequest{UserID: "u1", Query: "lighthouse lantern", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, m := range got {
		assert.Contains(t, m.Content, "lantern")
	}
}

func TestChromemQueryFiltersBeforeRanking(t *testing.T) {
	idx := NewChromem()
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		require.NoError(t, idx.Add(ctx, mem(id, "u1", "aria", 1, 0)))
	}
	require.NoError(t, idx.Add(ctx, mem("b1", "u1", "bram", 0.1, 1)))

	ids, err := idx.Query(ctx, "u1", "bram", "", []float64{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids, "closer documents outside scope do not crowd out the match")

	ids, err = idx.Query(ctx, "u1", "", "", []float64{1, 0}, 50)
	require.NoError(t, err)
	assert.Len(t, ids, 5, "n above the collection size is capped")
}

func TestEngineScansUntilChromemCatchesUp(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := engine.New(db, nil, engine.DefaultOptions(), nil)
	e.SetEmbedder(engine.NewHashEmbedder(256))
	t.Cleanup(e.Stop)
	ctx := context.Background()

	for _, c := range []string{"we played chess by the fire", "a chess rematch at dawn", "the river crossing"} {
		_, err := e.Store(ctx, engine.StoreRequest{UserID: "u1", Content: c, Type: store.TypeStory})
		require.NoError(t, err)
	}

	// Attached before any rebuild, as serve does at startup.
	idx := NewChromem()
	e.SetIndex(idx)

	got, err := e.Retrieve(ctx, engine.RetrieveRequest{UserID: "u1", Query: "chess"})
	require.NoError(t, err)
	assert.Len(t, got, 3, "an empty index must not hide stored memories")

	assert.Eventually(t, func() bool {
		n, _ := idx.Count(ctx, "u1")
		return n == 3
	}, 2*time.Second, 10*time.Millisecond, "retrieval starts a rebuild")

	got, err = e.Retrieve(ctx, engine.RetrieveRequest{UserID: "u1", Query: "chess"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Contains(t, got[0].Content, "chess")
}
