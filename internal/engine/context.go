package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/llm"
	"github.com/lazypower/kindred/internal/store"
)

const contextPreferences = 10

// ContextRequest selects what a generation step needs.
type ContextRequest struct {
	UserID      string `json:"user_id"`
	CompanionID string `json:"companion_id"`
	Query       string `json:"query,omitempty"`
	GameID      string `json:"game_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// GenerationContext is the assembled prompt material for one reply.
type GenerationContext struct {
	SystemPrompt string             `json:"system_prompt"`
	Memories     []store.Memory     `json:"memories"`
	Preferences  []store.Preference `json:"preferences"`
	Prompt       string             `json:"prompt"`
}

// BuildContext gathers the companion persona, the memories relevant to the
// query and the user's strongest preferences into one prompt block.
// Retrieval touches the returned memories like any other read.
func (e *Engine) BuildContext(ctx context.Context, req ContextRequest) (*GenerationContext, error) {
	c, err := e.GetCompanion(ctx, req.CompanionID)
	if err != nil {
		return nil, err
	}

	system := c.SystemPrompt
	if system == "" {
		system = llm.PersonalityPrompt(c.Name, c.Personality, c.Description)
	}

	mems, err := e.Retrieve(ctx, RetrieveRequest{
		UserID:      req.UserID,
		Query:       req.Query,
		CompanionID: req.CompanionID,
		GameID:      req.GameID,
		Limit:       req.Limit,
	})
	if err != nil {
		return nil, err
	}

	prefs, err := e.ListPreferences(ctx, req.UserID, req.CompanionID)
	if err != nil {
		return nil, err
	}
	if len(prefs) > contextPreferences {
		prefs = prefs[:contextPreferences]
	}

	var b strings.Builder
	b.WriteString(system)
	if len(mems) > 0 {
		b.WriteString("\n\nRelevant memories:\n")
		for _, m := range mems {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Type, m.Content)
		}
	}
	if len(prefs) > 0 {
		b.WriteString("\nUser preferences:\n")
		for _, p := range prefs {
			v, err := json.Marshal(p.Value)
			if err != nil {
				e.log.Debug("skip preference in context", zap.String("key", p.Key), zap.Error(err))
				continue
			}
			fmt.Fprintf(&b, "- %s: %s (confidence %.2f)\n", p.Key, v, p.Confidence)
		}
	}

	if mems == nil {
		mems = []store.Memory{}
	}
	if prefs == nil {
		prefs = []store.Preference{}
	}
	return &GenerationContext{
		SystemPrompt: system,
		Memories:     mems,
		Preferences:  prefs,
		Prompt:       strings.TrimRight(b.String(), "\n"),
	}, nil
}
