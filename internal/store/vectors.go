package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
// A nil vector encodes to nil so the column stays NULL.
func encodeEmbedding(vec []float64) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	if len(buf) == 0 {
		return nil
	}
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// SaveEmbedding attaches (or replaces) the embedding of an existing memory.
// Content stays immutable; the vector is derived data.
func (db *DB) SaveEmbedding(ctx context.Context, memoryID string, embedding []float64, model string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE memories SET embedding = ?, embedding_model = ?
		WHERE id = ?
	`, encodeEmbedding(embedding), model, memoryID)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save embedding: memory %s not found", memoryID)
	}
	return nil
}

// MissingEmbeddings returns active memories that have no vector, or whose
// vector was produced by a different model, oldest first.
func (db *DB) MissingEmbeddings(ctx context.Context, model string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE is_archived = 0 AND (embedding IS NULL OR COALESCE(embedding_model, '') != ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, model, limit)
	if err != nil {
		return nil, fmt.Errorf("missing embeddings: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}
