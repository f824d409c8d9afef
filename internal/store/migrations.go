package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "companions: companion registry",
		SQL: `
CREATE TABLE companions (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    description    TEXT,
    personality    TEXT NOT NULL,
    game_id        TEXT,
    system_prompt  TEXT,
    avatar_url     TEXT,
    metadata       TEXT NOT NULL DEFAULT '{}',
    is_active      INTEGER NOT NULL DEFAULT 1,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE INDEX idx_companions_active ON companions(is_active);
`,
	},
	{
		Version:     2,
		Description: "memories: append-only companion memories",
		SQL: `
CREATE TABLE memories (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    companion_id     TEXT,
    game_id          TEXT,
    conversation_id  TEXT,
    parent_memory_id TEXT,
    content          TEXT NOT NULL CHECK (length(trim(content)) > 0),
    embedding        BLOB,
    embedding_model  TEXT,
    type             TEXT NOT NULL,
    importance       REAL NOT NULL DEFAULT 0 CHECK (importance >= 0),
    decay_rate       REAL NOT NULL DEFAULT 0.95 CHECK (decay_rate > 0 AND decay_rate <= 1),
    last_accessed_at INTEGER NOT NULL,
    last_decayed_at  INTEGER,
    access_count     INTEGER NOT NULL DEFAULT 0,
    is_archived      INTEGER NOT NULL DEFAULT 0,
    expires_at       INTEGER,
    metadata         TEXT NOT NULL DEFAULT '{}',
    created_at       INTEGER NOT NULL,

    FOREIGN KEY (parent_memory_id) REFERENCES memories(id)
);

CREATE INDEX idx_memories_scope        ON memories(user_id, companion_id, is_archived);
CREATE INDEX idx_memories_created      ON memories(user_id, created_at DESC);
CREATE INDEX idx_memories_last_access  ON memories(user_id, last_accessed_at);
CREATE INDEX idx_memories_conversation ON memories(conversation_id);
`,
	},
	{
		Version:     3,
		Description: "memory_clusters: recomputable topic clusters",
		SQL: `
CREATE TABLE memory_clusters (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    companion_id TEXT NOT NULL,
    topic        TEXT NOT NULL,
    centroid     BLOB,
    member_ids   TEXT NOT NULL DEFAULT '[]',
    summary      TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE INDEX idx_clusters_scope ON memory_clusters(user_id, companion_id);
`,
	},
	{
		Version:     4,
		Description: "user_preferences: confidence-weighted beliefs",
		SQL: `
CREATE TABLE user_preferences (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    companion_id TEXT NOT NULL DEFAULT '',
    pref_key     TEXT NOT NULL CHECK (length(pref_key) > 0),
    pref_value   TEXT NOT NULL,
    confidence   REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    learned_at   INTEGER NOT NULL,
    last_updated INTEGER NOT NULL,

    UNIQUE (user_id, companion_id, pref_key)
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
