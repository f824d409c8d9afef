package engine

import (
	"context"
	"strings"
	"time"

	"github.com/lazypower/kindred/internal/store"
)

const recentInteractions = 5

// Stats summarises one user's relationship with a companion.
type Stats struct {
	TotalMemories      int            `json:"total_memories"`
	RelationshipAge    *time.Time     `json:"relationship_age"`
	RecentInteractions []store.Memory `json:"recent_interactions"`
}

// Stats counts every memory of the pair, archived included, and returns the
// first memory's time plus the newest active memories.
func (e *Engine) Stats(ctx context.Context, userID, companionID string) (*Stats, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user_id", "required")
	}
	if strings.TrimSpace(companionID) == "" {
		return nil, invalid("companion_id", "required")
	}
	if !e.available(ctx, "stats") {
		return nil, ErrUnavailable
	}

	c, err := e.DB.GetCompanion(ctx, companionID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &NotFoundError{Kind: "companion", ID: companionID}
	}

	total, err := e.DB.CountMemories(ctx, userID, companionID)
	if err != nil {
		return nil, err
	}
	first, err := e.DB.FirstMemoryAt(ctx, userID, companionID)
	if err != nil {
		return nil, err
	}
	recent, err := e.DB.ListMemories(ctx, store.MemoryFilter{
		UserID:      userID,
		CompanionID: companionID,
		Now:         e.now(),
		Limit:       recentInteractions,
	})
	if err != nil {
		return nil, err
	}
	if recent == nil {
		recent = []store.Memory{}
	}
	return &Stats{TotalMemories: total, RelationshipAge: first, RecentInteractions: recent}, nil
}

// CompanionRequest describes a new companion.
type CompanionRequest struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Personality  string         `json:"personality"`
	GameID       string         `json:"game_id,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	AvatarURL    string         `json:"avatar_url,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CreateCompanion registers an active companion.
func (e *Engine) CreateCompanion(ctx context.Context, req CompanionRequest) (*store.Companion, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, invalid("name", "required")
	}
	if strings.TrimSpace(req.Personality) == "" {
		return nil, invalid("personality", "required")
	}
	if !e.available(ctx, "create companion") {
		return nil, ErrUnavailable
	}
	c := &store.Companion{
		Name:         strings.TrimSpace(req.Name),
		Description:  req.Description,
		Personality:  req.Personality,
		GameID:       req.GameID,
		SystemPrompt: req.SystemPrompt,
		AvatarURL:    req.AvatarURL,
		Metadata:     req.Metadata,
	}
	if err := e.DB.CreateCompanion(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCompanions returns the active companions.
func (e *Engine) ListCompanions(ctx context.Context) ([]store.Companion, error) {
	if !e.available(ctx, "list companions") {
		return nil, nil
	}
	return e.DB.ListActiveCompanions(ctx)
}

// GetCompanion returns one companion by id.
func (e *Engine) GetCompanion(ctx context.Context, id string) (*store.Companion, error) {
	if !e.available(ctx, "get companion") {
		return nil, ErrUnavailable
	}
	c, err := e.DB.GetCompanion(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &NotFoundError{Kind: "companion", ID: id}
	}
	return c, nil
}

// MemoryType describes a type label the engine knows about.
type MemoryType struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var memoryTypes = []MemoryType{
	{store.TypeConversation, "Regular conversation exchanges"},
	{store.TypeGameState, "Game progress and state information"},
	{store.TypeAchievement, "Player achievements and milestones"},
	{store.TypePreference, "Learned user preferences"},
	{store.TypeCheckpoint, "Important story or game checkpoints"},
	{store.TypeConsolidated, "Summarized older memories"},
	{store.TypeEmotion, "Emotional moments and reactions"},
	{store.TypeStory, "Story and narrative elements"},
}

// MemoryTypes returns the known type labels with descriptions.
func MemoryTypes() []MemoryType {
	out := make([]MemoryType, len(memoryTypes))
	copy(out, memoryTypes)
	return out
}
