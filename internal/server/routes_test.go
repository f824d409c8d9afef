package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/kindred/internal/engine"
	"github.com/lazypower/kindred/internal/llm"
	"github.com/lazypower/kindred/internal/store"
)

func TestStoreAndFetchMemory(t *testing.T) {
	srv := testServer(t, nil)

	w := do(t, srv, "POST", "/api/memories", map[string]any{
		"user_id":      "user-1",
		"companion_id": "aria",
		"content":      "We crossed the frozen river together",
		"type":         "story",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[store.Memory](t, w)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "story", created.Type)
	assert.NotEmpty(t, created.Embedding)

	w = do(t, srv, "GET", "/api/memories/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[store.Memory](t, w)
	assert.Equal(t, created.Content, got.Content)
	assert.Zero(t, got.AccessCount)
}

func TestRetrieveAndHistory(t *testing.T) {
	srv := testServer(t, nil)
	for _, c := range []string{"the lighthouse lantern burned all night", "we argued about chess openings"} {
		w := do(t, srv, "POST", "/api/memories", map[string]any{"user_id": "user-1", "companion_id": "aria", "content": c})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := do(t, srv, "POST", "/api/memories/retrieve", map[string]any{"user_id": "user-1", "query": "lighthouse lantern", "limit": 1})
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[struct{ Memories []store.Memory }](t, w)
	require.Len(t, res.Memories, 1)
	assert.Equal(t, "the lighthouse lantern burned all night", res.Memories[0].Content)

	w = do(t, srv, "POST", "/api/memories/retrieve", map[string]any{"user_id": "nobody", "query": "x"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"memories": []}`, w.Body.String())

	w = do(t, srv, "GET", "/api/memories/history?user_id=user-1&companion_id=aria", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decodeBody[struct{ Memories []store.Memory }](t, w)
	assert.Len(t, hist.Memories, 2)
}

func TestMaintenanceEndpoints(t *testing.T) {
	srv := testServer(t, nil)
	w := do(t, srv, "POST", "/api/memories", map[string]any{"user_id": "user-1", "content": "fresh memory", "importance": 5})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, srv, "POST", "/api/maintenance/decay", map[string]any{"user_id": "user-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, engine.DecayResult{}, decodeBody[engine.DecayResult](t, w))

	w = do(t, srv, "POST", "/api/maintenance/consolidate", map[string]any{"user_id": "user-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"consolidated": 0}`, w.Body.String())

	w = do(t, srv, "POST", "/api/maintenance/cluster", map[string]any{"user_id": "user-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "companion_id is required")

	w = do(t, srv, "POST", "/api/maintenance/run", map[string]any{"user_id": "user-1"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[engine.MaintenanceResult](t, w)
	assert.Equal(t, "user-1", res.UserID)
	assert.False(t, res.Skipped)

	w = do(t, srv, "POST", "/api/maintenance/decay", map[string]any{"user_id": "user-1", "older_than_days": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClusterEndpoints(t *testing.T) {
	srv := testServer(t, nil)
	for _, c := range []string{
		"the lighthouse lantern glowed",
		"we lit the lighthouse lantern",
		"the lighthouse lantern flickered out",
	} {
		w := do(t, srv, "POST", "/api/memories", map[string]any{"user_id": "user-1", "companion_id": "aria", "content": c, "type": "story"})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := do(t, srv, "POST", "/api/maintenance/cluster", map[string]any{"user_id": "user-1", "companion_id": "aria", "similarity_threshold": 0.3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	made := decodeBody[struct{ Clusters []store.Cluster }](t, w)
	require.Len(t, made.Clusters, 1)
	assert.Len(t, made.Clusters[0].MemberIDs, 3)

	w = do(t, srv, "GET", "/api/clusters?user_id=user-1&companion_id=aria", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decodeBody[struct{ Clusters []store.Cluster }](t, w)
	require.Len(t, listed.Clusters, 1)

	w = do(t, srv, "GET", "/api/clusters/"+listed.Clusters[0].ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, made.Clusters[0].Topic, decodeBody[store.Cluster](t, w).Topic)
}

func TestCompanionEndpoints(t *testing.T) {
	srv := testServer(t, nil)

	w := do(t, srv, "POST", "/api/companions", map[string]any{"name": "Aria", "personality": "curious"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	aria := decodeBody[store.Companion](t, w)

	w = do(t, srv, "POST", "/api/companions", map[string]any{"name": "Nameless"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, "GET", "/api/companions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[struct{ Companions []store.Companion }](t, w)
	require.Len(t, list.Companions, 1)

	w = do(t, srv, "GET", "/api/companions/"+aria.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Aria", decodeBody[store.Companion](t, w).Name)

	w = do(t, srv, "POST", "/api/memories", map[string]any{"user_id": "user-1", "companion_id": aria.ID, "content": "first meeting"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, srv, "GET", "/api/companions/"+aria.ID+"/stats?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody[engine.Stats](t, w)
	assert.Equal(t, 1, stats.TotalMemories)
	assert.NotNil(t, stats.RelationshipAge)
	assert.Len(t, stats.RecentInteractions, 1)

	w = do(t, srv, "GET", "/api/companions/"+aria.ID+"/stats", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreferenceEndpoints(t *testing.T) {
	mock := &llm.MockClient{Response: &llm.Response{Content: `{"preferences": [{"key": "music", "value": "jazz", "confidence": 0.7}]}`}}
	srv := testServer(t, mock)

	w := do(t, srv, "POST", "/api/preferences", map[string]any{"user_id": "user-1", "companion_id": "aria", "key": "difficulty", "value": "hard", "confidence": 0.6})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p := decodeBody[store.Preference](t, w)
	assert.Equal(t, "hard", p.Value.String)

	w = do(t, srv, "POST", "/api/preferences", map[string]any{"user_id": "user-1", "key": "x", "value": 1, "confidence": 3})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, "POST", "/api/preferences/extract", map[string]any{"user_id": "user-1", "companion_id": "aria", "content": "I love jazz"})
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Eventually(t, func() bool {
		w := do(t, srv, "GET", "/api/preferences?user_id=user-1&companion_id=aria", nil)
		res := decodeBody[struct{ Preferences []store.Preference }](t, w)
		return len(res.Preferences) == 2
	}, 2*time.Second, 10*time.Millisecond)

	w = do(t, srv, "POST", "/api/preferences/extract", map[string]any{"user_id": "user-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestContextAndImportance(t *testing.T) {
	srv := testServer(t, nil)

	w := do(t, srv, "POST", "/api/companions", map[string]any{"name": "Aria", "personality": "curious"})
	require.Equal(t, http.StatusCreated, w.Code)
	aria := decodeBody[store.Companion](t, w)

	w = do(t, srv, "POST", "/api/memories", map[string]any{"user_id": "user-1", "companion_id": aria.ID, "content": "we found a hidden waterfall", "type": "story"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, srv, "GET", "/api/context?user_id=user-1&companion_id="+aria.ID+"&query=waterfall", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	gc := decodeBody[engine.GenerationContext](t, w)
	assert.Contains(t, gc.Prompt, "You are Aria")
	assert.Contains(t, gc.Prompt, "hidden waterfall")

	w = do(t, srv, "POST", "/api/importance", map[string]any{"content": "Beat the final boss", "type": "achievement"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, engine.Importance{Score: 7, Source: "default"}, decodeBody[engine.Importance](t, w))

	w = do(t, srv, "GET", "/api/memory-types", nil)
	require.Equal(t, http.StatusOK, w.Code)
	types := decodeBody[struct{ Types []engine.MemoryType }](t, w)
	assert.Len(t, types.Types, 8)
}
