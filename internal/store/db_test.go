package store

import (
	"context"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestOpenFile(t *testing.T) {
	path := t.TempDir() + "/nested/kindred.db"
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if !db.Available(context.Background()) {
		t.Error("file database should be available")
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"schema_versions", "companions", "memories", "memory_clusters", "user_preferences"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestMemoriesConstraints(t *testing.T) {
	db := testDB(t)

	// Valid insert
	_, err := db.Exec(`
		INSERT INTO memories (id, user_id, content, type, last_accessed_at, created_at)
		VALUES ('m1', 'u1', 'hello', 'conversation', 1000, 1000)
	`)
	if err != nil {
		t.Fatalf("valid insert failed: %v", err)
	}

	tests := []struct {
		name string
		sql  string
	}{
		{"blank content", `INSERT INTO memories (id, user_id, content, type, last_accessed_at, created_at)
			VALUES ('m2', 'u1', '   ', 'conversation', 1000, 1000)`},
		{"negative importance", `INSERT INTO memories (id, user_id, content, type, importance, last_accessed_at, created_at)
			VALUES ('m3', 'u1', 'x', 'conversation', -1, 1000, 1000)`},
		{"decay rate above one", `INSERT INTO memories (id, user_id, content, type, decay_rate, last_accessed_at, created_at)
			VALUES ('m4', 'u1', 'x', 'conversation', 1.5, 1000, 1000)`},
		{"unknown parent", `INSERT INTO memories (id, user_id, content, type, parent_memory_id, last_accessed_at, created_at)
			VALUES ('m5', 'u1', 'x', 'conversation', 'nope', 1000, 1000)`},
	}
	for _, tt := range tests {
		if _, err := db.Exec(tt.sql); err == nil {
			t.Errorf("%s: expected constraint error, got nil", tt.name)
		}
	}
}

func TestPreferencesConstraints(t *testing.T) {
	db := testDB(t)

	_, err := db.Exec(`
		INSERT INTO user_preferences (id, user_id, pref_key, pref_value, confidence, learned_at, last_updated)
		VALUES ('p1', 'u1', 'play_style', '"aggressive"', 1.5, 1000, 1000)
	`)
	if err == nil {
		t.Error("expected error for confidence above 1, got nil")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := testDB(t)

	// Running migrate again should be a no-op
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion after re-migrate = %d, want %d", v, len(migrations))
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	db := testDB(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestAvailable(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	ctx := context.Background()

	if !db.Available(ctx) {
		t.Error("open database should be available")
	}
	db.Close()
	if db.Available(ctx) {
		t.Error("closed database should not be available")
	}

	var nilDB *DB
	if nilDB.Available(ctx) {
		t.Error("nil database should not be available")
	}
}
