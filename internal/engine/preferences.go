package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/llm"
	"github.com/lazypower/kindred/internal/store"
)

// LearnRequest states one preference observation.
type LearnRequest struct {
	UserID      string                `json:"user_id"`
	CompanionID string                `json:"companion_id,omitempty"`
	Key         string                `json:"key"`
	Value       store.PreferenceValue `json:"value"`
	Confidence  float64               `json:"confidence"`
}

// LearnPreference records a preference. A new key is inserted as given; an
// existing one takes the new value and confidence min(1, avg(old, new) + bonus).
func (e *Engine) LearnPreference(ctx context.Context, req LearnRequest) (*store.Preference, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, invalid("user_id", "required")
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		return nil, invalid("key", "required")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, invalid("confidence", "must be in [0, 1]")
	}
	if req.Value.Kind == "" {
		return nil, invalid("value", "required")
	}
	if !e.available(ctx, "learn preference") {
		return nil, ErrUnavailable
	}

	p, err := e.DB.MergePreference(ctx, store.Preference{
		UserID:      req.UserID,
		CompanionID: req.CompanionID,
		Key:         req.Key,
		Value:       req.Value,
		Confidence:  req.Confidence,
	}, e.opts.ReinforcementBonus)
	if err != nil {
		return nil, err
	}
	e.Metrics.preferenceLearned(ctx)
	return p, nil
}

// ListPreferences returns a user's preferences, highest confidence first. An
// empty companionID spans all companions.
func (e *Engine) ListPreferences(ctx context.Context, userID, companionID string) ([]store.Preference, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user_id", "required")
	}
	if !e.available(ctx, "list preferences") {
		return nil, nil
	}
	return e.DB.ListPreferences(ctx, userID, companionID)
}

var preferenceEnvelopeSchema = mustCompileSchema("kindred://preferences.json", `{
	"type": "object",
	"required": ["preferences"],
	"properties": {
		"preferences": {"type": "array"}
	}
}`)

var preferenceItemSchema = mustCompileSchema("kindred://preference-item.json", `{
	"type": "object",
	"required": ["key", "value", "confidence"],
	"properties": {
		"key":        {"type": "string", "minLength": 1},
		"value":      {"type": ["string", "number", "boolean", "object", "array"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`)

const extractionTimeout = 2 * time.Minute

// ExtractPreferencesAsync runs ExtractPreferences on a tracked goroutine
// detached from the caller. Stop waits for it.
func (e *Engine) ExtractPreferencesAsync(userID, companionID, content string) {
	e.goBackground(extractionTimeout, func(ctx context.Context) {
		if _, err := e.ExtractPreferences(ctx, userID, companionID, content); err != nil {
			e.log.Warn("preference extraction failed", zap.String("user_id", userID), zap.Error(err))
		}
	})
}

// ExtractPreferences asks the completion port for preferences stated in
// content and learns each valid one. A missing port, a failed call or
// malformed output learns nothing and is not an error; items that fail
// validation are skipped individually. Returns the number learned.
func (e *Engine) ExtractPreferences(ctx context.Context, userID, companionID, content string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, invalid("user_id", "required")
	}
	if strings.TrimSpace(content) == "" {
		return 0, nil
	}

	reply := e.complete(ctx, llm.PreferenceSystem, content)
	if reply == "" {
		return 0, nil
	}
	raw, err := extractJSONObject(reply)
	if err != nil {
		e.log.Debug("preference reply unparseable", zap.Error(err))
		return 0, nil
	}
	if err := validateJSON(preferenceEnvelopeSchema, raw); err != nil {
		e.log.Debug("preference reply rejected", zap.Error(err))
		return 0, nil
	}

	var envelope struct {
		Preferences []json.RawMessage `json:"preferences"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return 0, nil
	}

	learned := 0
	for _, item := range envelope.Preferences {
		if err := validateJSON(preferenceItemSchema, string(item)); err != nil {
			e.log.Debug("preference item rejected", zap.Error(err))
			continue
		}
		var p struct {
			Key        string          `json:"key"`
			Value      json.RawMessage `json:"value"`
			Confidence float64         `json:"confidence"`
		}
		if err := json.Unmarshal(item, &p); err != nil {
			continue
		}
		key := sanitizeKey(p.Key)
		if key == "" {
			continue
		}
		value, err := store.ParseValue(p.Value)
		if err != nil {
			continue
		}

		if _, err := e.LearnPreference(ctx, LearnRequest{
			UserID:      userID,
			CompanionID: companionID,
			Key:         key,
			Value:       value,
			Confidence:  p.Confidence,
		}); err != nil {
			return learned, err
		}
		learned++
	}

	if learned > 0 {
		e.log.Debug("preferences extracted",
			zap.String("user_id", userID),
			zap.String("companion_id", companionID),
			zap.Int("learned", learned))
	}
	return learned, nil
}
