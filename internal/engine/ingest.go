package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/store"
)

// StoreRequest is the input to Store. Type defaults to "conversation",
// DecayRate to 0.95.
type StoreRequest struct {
	UserID         string         `json:"user_id"`
	Content        string         `json:"content"`
	CompanionID    string         `json:"companion_id,omitempty"`
	GameID         string         `json:"game_id,omitempty"`
	Type           string         `json:"type,omitempty"`
	Importance     float64        `json:"importance,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ParentMemoryID string         `json:"parent_memory_id,omitempty"`
	DecayRate      float64        `json:"decay_rate,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// Store validates, embeds and persists one memory. Input is validated before
// any port is called. An embedding failure stores the memory without a vector.
// Conversation memories with a companion trigger preference extraction after
// the commit; its outcome never affects the result.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (*store.Memory, error) {
	if err := validateStore(&req); err != nil {
		return nil, err
	}
	if !e.available(ctx, "store") {
		return nil, ErrUnavailable
	}

	convID, err := e.resolveThread(ctx, req)
	if err != nil {
		return nil, err
	}

	m := &store.Memory{
		UserID:         req.UserID,
		CompanionID:    req.CompanionID,
		GameID:         req.GameID,
		ConversationID: convID,
		ParentMemoryID: req.ParentMemoryID,
		Content:        req.Content,
		Type:           req.Type,
		Importance:     req.Importance,
		DecayRate:      req.DecayRate,
		Metadata:       req.Metadata,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      e.now(),
	}
	m.Embedding, m.EmbeddingModel = e.embed(ctx, req.Content)

	if err := e.DB.InsertMemory(ctx, m); err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}
	e.Metrics.memoryStored(ctx, m.Type)
	e.indexMemory(ctx, *m)

	if m.Type == store.TypeConversation && m.CompanionID != "" && e.LLM != nil {
		e.ExtractPreferencesAsync(m.UserID, m.CompanionID, m.Content)
	}
	return m, nil
}

// resolveThread applies the conversation-thread rules: a reply inherits its
// parent's thread, a new top-level conversation memory starts a thread, and
// anything else keeps what the caller supplied.
func (e *Engine) resolveThread(ctx context.Context, req StoreRequest) (string, error) {
	if req.ParentMemoryID != "" {
		parent, err := e.DB.GetMemory(ctx, req.ParentMemoryID)
		if err != nil {
			return "", fmt.Errorf("load parent memory: %w", err)
		}
		if parent == nil || parent.UserID != req.UserID {
			return "", &NotFoundError{Kind: "memory", ID: req.ParentMemoryID}
		}
		if req.ConversationID != "" && req.ConversationID != parent.ConversationID {
			return "", invalid("conversation_id", "does not match the parent memory's conversation")
		}
		return parent.ConversationID, nil
	}
	if req.ConversationID != "" {
		return req.ConversationID, nil
	}
	if req.Type == store.TypeConversation {
		return newThreadID(e.now()), nil
	}
	return "", nil
}

// newThreadID mints a time-ordered conversation id.
func newThreadID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// EmbedMissing embeds active memories without a vector from the current
// embedder, oldest first. Returns the number embedded.
func (e *Engine) EmbedMissing(ctx context.Context) (int, error) {
	if e.Embedder == nil {
		return 0, nil
	}
	if !e.available(ctx, "embed missing") {
		return 0, ErrUnavailable
	}

	model := e.Embedder.Model()
	embedded := 0
	for {
		batch, err := e.DB.MissingEmbeddings(ctx, model, 200)
		if err != nil {
			return embedded, err
		}
		progress := 0
		for i := range batch {
			vec, err := e.Embedder.Embed(ctx, batch[i].Content)
			if err != nil || !usableVector(vec) {
				e.log.Debug("embed missing: skipped", zap.String("memory_id", batch[i].ID), zap.Error(err))
				e.Metrics.embeddingFailed(ctx)
				continue
			}
			if err := e.DB.SaveEmbedding(ctx, batch[i].ID, vec, model); err != nil {
				e.log.Warn("embed missing: save", zap.String("memory_id", batch[i].ID), zap.Error(err))
				continue
			}
			batch[i].Embedding, batch[i].EmbeddingModel = vec, model
			e.indexMemory(ctx, batch[i])
			progress++
		}
		embedded += progress
		// A short batch is the last one; a batch with no progress would repeat forever.
		if len(batch) < 200 || progress == 0 {
			return embedded, nil
		}
	}
}
