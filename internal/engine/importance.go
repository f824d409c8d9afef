package engine

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/llm"
	"github.com/lazypower/kindred/internal/store"
)

// ImportanceRequest is content to score.
type ImportanceRequest struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// Importance is a 0-10 score. Source is "model" or "default".
type Importance struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
	Source string  `json:"source"`
}

var importanceSchema = mustCompileSchema("kindred://importance.json", `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score":  {"type": "number"},
		"reason": {"type": "string"}
	}
}`)

var defaultImportance = map[string]float64{
	store.TypeAchievement:  7,
	store.TypeEmotion:      6,
	store.TypeStory:        5,
	store.TypeCheckpoint:   5,
	store.TypePreference:   5,
	store.TypeGameState:    4,
	store.TypeConversation: 3,
}

// DefaultImportance is the score used when no model is available.
func DefaultImportance(memType string) float64 {
	if s, ok := defaultImportance[memType]; ok {
		return s
	}
	return 3
}

// ScoreImportance rates content on a 0-10 scale through the completion port,
// falling back to a per-type default.
func (e *Engine) ScoreImportance(ctx context.Context, req ImportanceRequest) (Importance, error) {
	if strings.TrimSpace(req.Content) == "" {
		return Importance{}, invalid("content", "must not be empty")
	}
	if req.Type == "" {
		req.Type = store.TypeConversation
	}
	fallback := Importance{Score: DefaultImportance(req.Type), Source: "default"}

	reply := e.complete(ctx, llm.ImportanceSystem, llm.ImportancePrompt(req.Type, req.Content))
	if reply == "" {
		return fallback, nil
	}
	raw, err := extractJSONObject(reply)
	if err == nil {
		err = validateJSON(importanceSchema, raw)
	}
	if err != nil {
		e.log.Debug("importance reply rejected", zap.Error(err))
		return fallback, nil
	}

	var out struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return fallback, nil
	}
	return Importance{
		Score:  math.Max(0, math.Min(10, out.Score)),
		Reason: strings.TrimSpace(out.Reason),
		Source: "model",
	}, nil
}
