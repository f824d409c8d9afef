package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Cluster is a derived grouping of related memories for one (user, companion) pair.
type Cluster struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CompanionID string    `json:"companion_id"`
	Topic       string    `json:"topic"`
	Centroid    []float64 `json:"centroid,omitempty"`
	MemberIDs   []string  `json:"member_ids"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const clusterColumns = `id, user_id, companion_id, topic, centroid, member_ids, summary, created_at, updated_at`

// ReplaceClusters swaps every cluster of (userID, companionID) for the given
// set in a single transaction. Clusters are an index, so the old rows are
// dropped rather than merged.
func (db *DB) ReplaceClusters(ctx context.Context, userID, companionID string, clusters []Cluster) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace clusters: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_clusters WHERE user_id = ? AND companion_id = ?`,
		userID, companionID); err != nil {
		return fmt.Errorf("clear clusters: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := range clusters {
		c := &clusters[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.UserID = userID
		c.CompanionID = companionID
		c.CreatedAt = now
		c.UpdatedAt = now

		members, err := json.Marshal(c.MemberIDs)
		if err != nil {
			return fmt.Errorf("encode members: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_clusters (id, user_id, companion_id, topic, centroid, member_ids, summary, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, userID, companionID, c.Topic, encodeEmbedding(c.Centroid), string(members), c.Summary,
			toMillis(now), toMillis(now)); err != nil {
			return fmt.Errorf("insert cluster: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clusters: %w", err)
	}
	return nil
}

// ListClusters returns the clusters of a (user, companion) pair, largest first.
func (db *DB) ListClusters(ctx context.Context, userID, companionID string) ([]Cluster, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+clusterColumns+`
		FROM memory_clusters
		WHERE user_id = ? AND companion_id = ?
		ORDER BY json_array_length(member_ids) DESC, created_at ASC
	`, userID, companionID)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()
	return scanClusters(rows)
}

// GetCluster returns a cluster by id, or nil if not found.
func (db *DB) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+clusterColumns+` FROM memory_clusters WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	defer rows.Close()

	clusters, err := scanClusters(rows)
	if err != nil {
		return nil, err
	}
	if len(clusters) == 0 {
		return nil, nil
	}
	return &clusters[0], nil
}

func scanClusters(rows *sql.Rows) ([]Cluster, error) {
	var clusters []Cluster
	for rows.Next() {
		var c Cluster
		var centroid []byte
		var members string
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.UserID, &c.CompanionID, &c.Topic, &centroid, &members,
			&c.Summary, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		if err := json.Unmarshal([]byte(members), &c.MemberIDs); err != nil {
			return nil, fmt.Errorf("decode members for %s: %w", c.ID, err)
		}
		c.Centroid = decodeEmbedding(centroid)
		c.CreatedAt = fromMillis(createdAt)
		c.UpdatedAt = fromMillis(updatedAt)
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}
