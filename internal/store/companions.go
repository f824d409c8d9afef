package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Companion is a configured AI companion persona.
type Companion struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Personality  string         `json:"personality"`
	GameID       string         `json:"game_id,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	AvatarURL    string         `json:"avatar_url,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IsActive     bool           `json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

const companionColumns = `id, name, description, personality, game_id, system_prompt, avatar_url,
	metadata, is_active, created_at, updated_at`

// CreateCompanion inserts a new, active companion.
func (db *DB) CreateCompanion(ctx context.Context, c *Companion) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	meta, err := marshalMetadata(c.Metadata)
	if err != nil {
		return fmt.Errorf("create companion: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO companions (id, name, description, personality, game_id, system_prompt, avatar_url,
			metadata, is_active, created_at, updated_at)
		VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, 1, ?, ?)
	`, c.ID, c.Name, c.Description, c.Personality, c.GameID, c.SystemPrompt, c.AvatarURL,
		meta, toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("create companion: %w", err)
	}
	c.IsActive = true
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

// GetCompanion returns a companion by id, or nil if not found.
func (db *DB) GetCompanion(ctx context.Context, id string) (*Companion, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+companionColumns+` FROM companions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get companion: %w", err)
	}
	defer rows.Close()

	cs, err := scanCompanions(rows)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, nil
	}
	return &cs[0], nil
}

// ListActiveCompanions returns active companions ordered by name.
func (db *DB) ListActiveCompanions(ctx context.Context) ([]Companion, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+companionColumns+` FROM companions
		WHERE is_active = 1
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list companions: %w", err)
	}
	defer rows.Close()
	return scanCompanions(rows)
}

func scanCompanions(rows *sql.Rows) ([]Companion, error) {
	var cs []Companion
	for rows.Next() {
		var c Companion
		var description, gameID, systemPrompt, avatarURL sql.NullString
		var meta string
		var active int
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.Name, &description, &c.Personality, &gameID, &systemPrompt,
			&avatarURL, &meta, &active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan companion: %w", err)
		}
		c.Description = description.String
		c.GameID = gameID.String
		c.SystemPrompt = systemPrompt.String
		c.AvatarURL = avatarURL.String
		c.IsActive = active != 0
		c.CreatedAt = fromMillis(createdAt)
		c.UpdatedAt = fromMillis(updatedAt)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
				return nil, fmt.Errorf("decode companion metadata: %w", err)
			}
		}
		cs = append(cs, c)
	}
	return cs, rows.Err()
}
