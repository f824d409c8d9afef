package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MaintenanceResult reports one user's batch passes.
type MaintenanceResult struct {
	UserID       string      `json:"user_id"`
	Decay        DecayResult `json:"decay"`
	Consolidated int         `json:"consolidated"`
	Clusters     int         `json:"clusters"`
	Skipped      bool        `json:"skipped,omitempty"`
}

// StartScheduler runs maintenance for every user now and then every interval
// until Stop is called.
func (e *Engine) StartScheduler(interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		e.RunMaintenance(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.RunMaintenance(ctx)
			case <-e.stopCh:
				return
			}
		}
	}()

	// Cancel an in-flight pass as soon as Stop is called.
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
}

// RunMaintenance runs decay, consolidation and clustering for every user
// with active memories. A failing or locked user is skipped.
func (e *Engine) RunMaintenance(ctx context.Context) []MaintenanceResult {
	if !e.available(ctx, "maintenance") {
		return nil
	}
	scopes, err := e.DB.ListScopes(ctx)
	if err != nil {
		e.log.Error("maintenance: list scopes", zap.Error(err))
		return nil
	}

	companions := make(map[string][]string)
	var users []string
	for _, s := range scopes {
		if _, ok := companions[s.UserID]; !ok {
			users = append(users, s.UserID)
			companions[s.UserID] = nil
		}
		if s.CompanionID != "" {
			companions[s.UserID] = append(companions[s.UserID], s.CompanionID)
		}
	}

	var results []MaintenanceResult
	for _, user := range users {
		if ctx.Err() != nil {
			break
		}
		res, err := e.maintain(ctx, user, companions[user])
		if err != nil {
			e.log.Warn("maintenance failed for user", zap.String("user_id", user), zap.Error(err))
			continue
		}
		results = append(results, res)
	}
	return results
}

// MaintainUser runs all batch passes for one user under the user's lock.
func (e *Engine) MaintainUser(ctx context.Context, userID string) (MaintenanceResult, error) {
	if strings.TrimSpace(userID) == "" {
		return MaintenanceResult{}, invalid("user_id", "required")
	}
	if !e.available(ctx, "maintenance") {
		return MaintenanceResult{UserID: userID, Skipped: true}, nil
	}
	scopes, err := e.DB.ListScopes(ctx)
	if err != nil {
		return MaintenanceResult{}, err
	}
	var comps []string
	for _, s := range scopes {
		if s.UserID == userID && s.CompanionID != "" {
			comps = append(comps, s.CompanionID)
		}
	}
	return e.maintain(ctx, userID, comps)
}

func (e *Engine) maintain(ctx context.Context, userID string, companionIDs []string) (MaintenanceResult, error) {
	res := MaintenanceResult{UserID: userID}

	release, ok, err := e.Locker.Acquire(ctx, "maintenance:"+userID, e.opts.LockTTL)
	if err != nil {
		return res, err
	}
	if !ok {
		e.log.Debug("maintenance already running elsewhere", zap.String("user_id", userID))
		res.Skipped = true
		return res, nil
	}
	defer release()

	if res.Decay, err = e.Decay(ctx, DecayRequest{UserID: userID}); err != nil {
		return res, err
	}
	if res.Consolidated, err = e.Consolidate(ctx, ConsolidateRequest{UserID: userID}); err != nil {
		return res, err
	}
	for _, c := range companionIDs {
		clusters, err := e.Cluster(ctx, ClusterRequest{UserID: userID, CompanionID: c})
		if err != nil {
			e.log.Warn("clustering failed",
				zap.String("user_id", userID),
				zap.String("companion_id", c),
				zap.Error(err))
			continue
		}
		res.Clusters += len(clusters)
	}
	return res, nil
}
