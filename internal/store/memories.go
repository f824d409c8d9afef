package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Memory types the engine gives lifecycle meaning to. Type is an open
// label; any other string is stored as-is.
const (
	TypeConversation = "conversation"
	TypeGameState    = "game_state"
	TypeAchievement  = "achievement"
	TypePreference   = "preference"
	TypeCheckpoint   = "checkpoint"
	TypeConsolidated = "consolidated"
	TypeEmotion      = "emotion"
	TypeStory        = "story"
)

// DefaultDecayRate is applied when a memory is stored without an explicit rate.
const DefaultDecayRate = 0.95

// Memory is one immutable unit of remembered content plus lifecycle metadata.
type Memory struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	CompanionID    string         `json:"companion_id,omitempty"`
	GameID         string         `json:"game_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ParentMemoryID string         `json:"parent_memory_id,omitempty"`
	Content        string         `json:"content"`
	Embedding      []float64      `json:"embedding,omitempty"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	Type           string         `json:"type"`
	Importance     float64        `json:"importance"`
	DecayRate      float64        `json:"decay_rate"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int            `json:"access_count"`
	IsArchived     bool           `json:"is_archived"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MemoryFilter scopes a memory listing. Empty string fields are not filtered on.
type MemoryFilter struct {
	UserID         string
	CompanionID    string
	GameID         string
	ConversationID string
	Type           string

	IncludeArchived bool      // also return archived and expired rows
	EmbeddedOnly    bool      // only rows with a vector
	UnembeddedOnly  bool      // only rows without a vector
	MissingModel    string    // only rows without a vector from this model
	CreatedBefore   time.Time // zero = no bound
	Now             time.Time // reference time for expiry, zero = time.Now()

	Oldest bool // order by created_at ASC instead of DESC
	Limit  int  // 0 = unlimited
}

// Scope is one (user, companion) pair that owns active memories.
type Scope struct {
	UserID      string `json:"user_id"`
	CompanionID string `json:"companion_id,omitempty"`
}

const memoryColumns = `id, user_id, companion_id, game_id, conversation_id, parent_memory_id,
	content, embedding, embedding_model, type, importance, decay_rate,
	last_accessed_at, access_count, is_archived, expires_at, metadata, created_at`

// InsertMemory persists a new memory. ID, CreatedAt and LastAccessedAt are
// filled in when empty; AccessCount starts at 0 and IsArchived at false.
func (db *DB) InsertMemory(ctx context.Context, m *Memory) error {
	return insertMemory(ctx, db.DB, m)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMemory(ctx context.Context, ex execer, m *Memory) error {
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastAccessedAt.IsZero() {
		m.LastAccessedAt = m.CreatedAt
	}
	// Timestamps are stored with millisecond precision.
	m.CreatedAt = m.CreatedAt.Truncate(time.Millisecond)
	m.LastAccessedAt = m.LastAccessedAt.Truncate(time.Millisecond)
	if m.DecayRate == 0 {
		m.DecayRate = DefaultDecayRate
	}
	m.AccessCount = 0
	m.IsArchived = false

	meta, err := marshalMetadata(m.Metadata)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	var model any
	if m.Embedding != nil {
		model = m.EmbeddingModel
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, companion_id, game_id, conversation_id, parent_memory_id,
			content, embedding, embedding_model, type, importance, decay_rate,
			last_accessed_at, access_count, is_archived, expires_at, metadata, created_at)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
	`, m.ID, m.UserID, m.CompanionID, m.GameID, m.ConversationID, m.ParentMemoryID,
		m.Content, encodeEmbedding(m.Embedding), model, m.Type, m.Importance, m.DecayRate,
		toMillis(m.LastAccessedAt), nullMillis(m.ExpiresAt), meta, toMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// GetMemory returns a memory by id, or nil if not found.
func (db *DB) GetMemory(ctx context.Context, id string) (*Memory, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	defer rows.Close()

	mems, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	if len(mems) == 0 {
		return nil, nil
	}
	return &mems[0], nil
}

// GetMemoriesByIDs returns the memories with the given ids, in no particular order.
func (db *DB) GetMemoriesByIDs(ctx context.Context, ids []string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(ids)
	rows, err := db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get memories by ids: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListMemories returns memories matching the filter, newest first unless
// f.Oldest is set.
func (db *DB) ListMemories(ctx context.Context, f MemoryFilter) ([]Memory, error) {
	var where []string
	var args []any

	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	for _, c := range []struct{ col, val string }{
		{"companion_id", f.CompanionID},
		{"game_id", f.GameID},
		{"conversation_id", f.ConversationID},
		{"type", f.Type},
	} {
		if c.val != "" {
			where = append(where, c.col+" = ?")
			args = append(args, c.val)
		}
	}
	if !f.IncludeArchived {
		now := f.Now
		if now.IsZero() {
			now = time.Now()
		}
		where = append(where, "is_archived = 0", "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, toMillis(now))
	}
	if f.EmbeddedOnly {
		where = append(where, "embedding IS NOT NULL")
	}
	if f.UnembeddedOnly {
		where = append(where, "embedding IS NULL")
	}
	if f.MissingModel != "" {
		where = append(where, "(embedding IS NULL OR embedding_model IS NOT ?)")
		args = append(args, f.MissingModel)
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, toMillis(f.CreatedBefore))
	}

	q := `SELECT ` + memoryColumns + ` FROM memories`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Oldest {
		q += " ORDER BY created_at ASC, rowid ASC"
	} else {
		q += " ORDER BY created_at DESC, rowid DESC"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// TouchMemories records an access on each memory: access_count + 1 and
// last_accessed_at = now.
func (db *DB) TouchMemories(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inClause(ids)
	args = append([]any{toMillis(now)}, args...)
	_, err := db.ExecContext(ctx, `
		UPDATE memories SET last_accessed_at = ?, access_count = access_count + 1
		WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("touch memories: %w", err)
	}
	return nil
}

// DecayStale multiplies importance by each memory's own decay rate for active
// memories of userID not accessed since cutoff whose importance is at least
// floor. A memory decays at most once per staleness window: last_decayed_at
// must also predate cutoff. Returns the number of memories updated.
func (db *DB) DecayStale(ctx context.Context, userID string, cutoff time.Time, floor float64, now time.Time) (int, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE memories
		SET importance = MAX(0, importance * decay_rate), last_decayed_at = ?
		WHERE user_id = ? AND is_archived = 0
			AND last_accessed_at < ?
			AND (last_decayed_at IS NULL OR last_decayed_at < ?)
			AND importance >= ?
	`, toMillis(now), userID, toMillis(cutoff), toMillis(cutoff), floor)
	if err != nil {
		return 0, fmt.Errorf("decay stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("decay stale: %w", err)
	}
	return int(n), nil
}

// ArchiveBelowFloor archives every active memory of userID whose importance
// is at or below floor, and returns the ids it archived.
func (db *DB) ArchiveBelowFloor(ctx context.Context, userID string, floor float64) ([]string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("archive below floor: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM memories WHERE user_id = ? AND is_archived = 0 AND importance <= ?
	`, userID, floor)
	if err != nil {
		return nil, fmt.Errorf("archive below floor: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan archive id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := archive(ctx, tx, ids); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit archive: %w", err)
	}
	return ids, nil
}

// ArchiveMemories flips is_archived on the given memories. Nothing is deleted.
func (db *DB) ArchiveMemories(ctx context.Context, ids []string) (int, error) {
	return archive(ctx, db.DB, ids)
}

func archive(ctx context.Context, ex execer, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders, args := inClause(ids)
	res, err := ex.ExecContext(ctx, `
		UPDATE memories SET is_archived = 1 WHERE is_archived = 0 AND id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("archive memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Consolidate inserts summary and archives the replaced memories in one
// transaction. Returns how many of replaced were archived.
func (db *DB) Consolidate(ctx context.Context, summary *Memory, replaced []string) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin consolidate: %w", err)
	}
	defer tx.Rollback()

	if err := insertMemory(ctx, tx, summary); err != nil {
		return 0, err
	}
	n, err := archive(ctx, tx, replaced)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit consolidate: %w", err)
	}
	return n, nil
}

// CountMemories counts all memories (archived included) for a user, optionally
// narrowed to one companion.
func (db *DB) CountMemories(ctx context.Context, userID, companionID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories
		WHERE user_id = ? AND (? = '' OR companion_id = ?)
	`, userID, companionID, companionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// CountEmbedded counts a user's unarchived memories carrying a vector from
// model. Expired rows are included.
func (db *DB) CountEmbedded(ctx context.Context, userID, model string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories
		WHERE user_id = ? AND is_archived = 0
		  AND embedding IS NOT NULL AND embedding_model = ?
	`, userID, model).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embedded memories: %w", err)
	}
	return n, nil
}

// FirstMemoryAt returns the creation time of the oldest memory for the pair,
// or nil when there is none.
func (db *DB) FirstMemoryAt(ctx context.Context, userID, companionID string) (*time.Time, error) {
	var first sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM memories
		WHERE user_id = ? AND (? = '' OR companion_id = ?)
	`, userID, companionID, companionID).Scan(&first)
	if err != nil {
		return nil, fmt.Errorf("first memory: %w", err)
	}
	return timePtr(first), nil
}

// ListScopes returns every (user, companion) pair owning active memories.
func (db *DB) ListScopes(ctx context.Context) ([]Scope, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT user_id, COALESCE(companion_id, '') AS companion
		FROM memories WHERE is_archived = 0
		ORDER BY user_id, companion
	`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []Scope
	for rows.Next() {
		var s Scope
		if err := rows.Scan(&s.UserID, &s.CompanionID); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var mems []Memory
	for rows.Next() {
		var m Memory
		var companionID, gameID, conversationID, parentID, model sql.NullString
		var blob []byte
		var lastAccess, createdAt int64
		var expiresAt sql.NullInt64
		var archived int
		var meta string
		if err := rows.Scan(&m.ID, &m.UserID, &companionID, &gameID, &conversationID, &parentID,
			&m.Content, &blob, &model, &m.Type, &m.Importance, &m.DecayRate,
			&lastAccess, &m.AccessCount, &archived, &expiresAt, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.CompanionID = companionID.String
		m.GameID = gameID.String
		m.ConversationID = conversationID.String
		m.ParentMemoryID = parentID.String
		m.Embedding = decodeEmbedding(blob)
		m.EmbeddingModel = model.String
		m.LastAccessedAt = fromMillis(lastAccess)
		m.IsArchived = archived != 0
		m.ExpiresAt = timePtr(expiresAt)
		m.CreatedAt = fromMillis(createdAt)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
			}
		}
		mems = append(mems, m)
	}
	return mems, rows.Err()
}

func marshalMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func inClause(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}
