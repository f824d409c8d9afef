package engine

// Decay runs in two passes over one user's active memories:
//
//   - Memories not accessed for OlderThanDays with importance at or above
//     the floor lose importance: importance = max(0, importance * decay_rate),
//     using each memory's own rate. A memory decays at most once per
//     staleness window (last_decayed_at), so re-running a pass immediately
//     changes nothing.
//   - Every active memory whose importance is at or below the floor is archived.
//
// Archiving flips a flag; content and rows are never deleted.

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DecayRequest selects the user and thresholds. Zero OlderThanDays and a nil
// ArchiveFloor use the configured defaults.
type DecayRequest struct {
	UserID        string   `json:"user_id"`
	OlderThanDays int      `json:"older_than_days,omitempty"`
	ArchiveFloor  *float64 `json:"archive_floor,omitempty"`
}

// DecayResult reports what one decay pass changed.
type DecayResult struct {
	Updated  int `json:"updated"`
	Archived int `json:"archived"`
}

// Decay ages stale memories and archives those that fell to the floor.
func (e *Engine) Decay(ctx context.Context, req DecayRequest) (DecayResult, error) {
	var res DecayResult
	if strings.TrimSpace(req.UserID) == "" {
		return res, invalid("user_id", "required")
	}
	if req.OlderThanDays < 0 {
		return res, invalid("older_than_days", "must not be negative")
	}
	days := req.OlderThanDays
	if days == 0 {
		days = e.opts.StaleDays
	}
	floor := e.opts.ArchiveFloor
	if req.ArchiveFloor != nil {
		floor = *req.ArchiveFloor
	}
	if floor < 0 {
		return res, invalid("archive_floor", "must not be negative")
	}
	if !e.available(ctx, "decay") {
		return res, nil
	}

	now := e.now()
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)

	updated, err := e.DB.DecayStale(ctx, req.UserID, cutoff, floor, now)
	if err != nil {
		return res, err
	}
	res.Updated = updated

	archived, err := e.DB.ArchiveBelowFloor(ctx, req.UserID, floor)
	if err != nil {
		return res, err
	}
	res.Archived = len(archived)
	e.reindexArchived(ctx, archived)

	e.Metrics.memoriesDecayed(ctx, res.Updated)
	e.Metrics.memoriesArchived(ctx, "decay", res.Archived)
	if res.Updated > 0 || res.Archived > 0 {
		e.log.Info("decay complete",
			zap.String("user_id", req.UserID),
			zap.Int("updated", res.Updated),
			zap.Int("archived", res.Archived))
	}
	return res, nil
}
