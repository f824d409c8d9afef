package engine

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/llm"
	"github.com/lazypower/kindred/internal/store"
)

const fallbackTopic = "Conversation"

// ClusterRequest selects the (user, companion) pair and thresholds. Zero
// values and a nil SimilarityThreshold use the configured defaults.
type ClusterRequest struct {
	UserID              string   `json:"user_id"`
	CompanionID         string   `json:"companion_id"`
	MinClusterSize      int      `json:"min_cluster_size,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	Window              int      `json:"window,omitempty"`
}

var clusterLabelSchema = mustCompileSchema("kindred://cluster-label.json", `{
	"type": "object",
	"required": ["topic"],
	"properties": {
		"topic":   {"type": "string", "minLength": 1},
		"summary": {"type": "string"},
		"content": {"type": "string"}
	}
}`)

// Cluster groups the most recent embedded memories of a pair into topics and
// replaces the pair's previous clusters. Membership is greedy: each memory
// joins the first cluster whose first member it is more similar to than the
// threshold, otherwise it starts a new cluster. Clusters smaller than
// MinClusterSize are dropped.
func (e *Engine) Cluster(ctx context.Context, req ClusterRequest) ([]store.Cluster, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, invalid("user_id", "required")
	}
	if strings.TrimSpace(req.CompanionID) == "" {
		return nil, invalid("companion_id", "required")
	}
	if req.MinClusterSize < 0 || req.Window < 0 {
		return nil, invalid("cluster", "sizes must not be negative")
	}
	minSize := req.MinClusterSize
	if minSize == 0 {
		minSize = e.opts.ClusterMinSize
	}
	window := req.Window
	if window == 0 {
		window = e.opts.ClusterWindow
	}
	threshold := e.opts.SimilarityThreshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}
	if threshold < -1 || threshold > 1 {
		return nil, invalid("similarity_threshold", "must be in [-1, 1]")
	}
	if !e.available(ctx, "cluster") {
		return nil, nil
	}

	mems, err := e.DB.ListMemories(ctx, store.MemoryFilter{
		UserID:       req.UserID,
		CompanionID:  req.CompanionID,
		EmbeddedOnly: true,
		Now:          e.now(),
		Limit:        window,
	})
	if err != nil {
		return nil, err
	}

	var groups [][]store.Memory
	for _, m := range mems {
		placed := false
		for i := range groups {
			if CosineSimilarity(m.Embedding, groups[i][0].Embedding) > threshold {
				groups[i] = append(groups[i], m)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []store.Memory{m})
		}
	}

	var clusters []store.Cluster
	for _, g := range groups {
		if len(g) < minSize {
			continue
		}
		clusters = append(clusters, e.buildCluster(ctx, req, g))
	}

	if err := e.DB.ReplaceClusters(ctx, req.UserID, req.CompanionID, clusters); err != nil {
		return nil, err
	}
	e.Metrics.clustersBuilt(ctx, len(clusters))
	e.log.Debug("clustering complete",
		zap.String("user_id", req.UserID),
		zap.String("companion_id", req.CompanionID),
		zap.Int("candidates", len(mems)),
		zap.Int("clusters", len(clusters)))
	return clusters, nil
}

func (e *Engine) buildCluster(ctx context.Context, req ClusterRequest, members []store.Memory) store.Cluster {
	ids := make([]string, len(members))
	contents := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
		contents[i] = m.Content
	}

	topic, summary := e.labelCluster(ctx, contents)
	return store.Cluster{
		UserID:      req.UserID,
		CompanionID: req.CompanionID,
		Topic:       topic,
		Centroid:    centroid(members),
		MemberIDs:   ids,
		Summary:     summary,
	}
}

// labelCluster asks the completion port for {topic, summary}. Any failure
// falls back to a generic topic and the first three contents.
func (e *Engine) labelCluster(ctx context.Context, contents []string) (string, string) {
	n := len(contents)
	if n > 3 {
		n = 3
	}
	fallbackSummary := strings.Join(contents[:n], "\n")

	reply := e.complete(ctx, llm.ClusterSystem, llm.ClusterPrompt(contents))
	if reply == "" {
		return fallbackTopic, fallbackSummary
	}
	raw, err := extractJSONObject(reply)
	if err != nil {
		e.log.Debug("cluster label unparseable", zap.Error(err))
		return fallbackTopic, fallbackSummary
	}
	if err := validateJSON(clusterLabelSchema, raw); err != nil {
		e.log.Debug("cluster label rejected", zap.Error(err))
		return fallbackTopic, fallbackSummary
	}

	var label struct {
		Topic   string `json:"topic"`
		Summary string `json:"summary"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &label); err != nil {
		return fallbackTopic, fallbackSummary
	}
	topic := strings.TrimSpace(label.Topic)
	summary := strings.TrimSpace(label.Summary)
	if summary == "" {
		summary = strings.TrimSpace(label.Content)
	}
	if topic == "" {
		topic = fallbackTopic
	}
	if summary == "" {
		summary = fallbackSummary
	}
	return topic, summary
}

// centroid is the arithmetic mean of the members' embeddings.
func centroid(members []store.Memory) []float64 {
	if len(members) == 0 {
		return nil
	}
	dims := len(members[0].Embedding)
	c := make([]float64, dims)
	n := 0
	for _, m := range members {
		if len(m.Embedding) != dims {
			continue
		}
		for i, v := range m.Embedding {
			c[i] += v
		}
		n++
	}
	for i := range c {
		c[i] /= float64(n)
	}
	return c
}

// ListClusters returns the current clusters of a pair, largest first.
func (e *Engine) ListClusters(ctx context.Context, userID, companionID string) ([]store.Cluster, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user_id", "required")
	}
	if !e.available(ctx, "list clusters") {
		return nil, nil
	}
	return e.DB.ListClusters(ctx, userID, companionID)
}

// GetCluster returns one cluster by id.
func (e *Engine) GetCluster(ctx context.Context, id string) (*store.Cluster, error) {
	if !e.available(ctx, "get cluster") {
		return nil, ErrUnavailable
	}
	c, err := e.DB.GetCluster(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &NotFoundError{Kind: "cluster", ID: id}
	}
	return c, nil
}
