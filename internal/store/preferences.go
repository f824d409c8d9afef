package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValueKind tags the shape of a preference value.
type ValueKind string

const (
	KindBool       ValueKind = "bool"
	KindNumber     ValueKind = "number"
	KindString     ValueKind = "string"
	KindStructured ValueKind = "structured"
)

// ErrNullValue is returned when a preference value is JSON null or empty.
var ErrNullValue = errors.New("preference value is null")

// PreferenceValue is a tagged preference value. It marshals to the bare JSON
// value it holds.
type PreferenceValue struct {
	Kind       ValueKind
	Bool       bool
	Number     float64
	String     string
	Structured json.RawMessage // object or array
}

// BoolValue, NumberValue and StringValue build scalar values.
func BoolValue(b bool) PreferenceValue      { return PreferenceValue{Kind: KindBool, Bool: b} }
func NumberValue(n float64) PreferenceValue { return PreferenceValue{Kind: KindNumber, Number: n} }
func StringValue(s string) PreferenceValue  { return PreferenceValue{Kind: KindString, String: s} }

// ParseValue decodes raw JSON into a tagged value.
func ParseValue(raw []byte) (PreferenceValue, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return PreferenceValue{}, ErrNullValue
	}
	switch raw[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return PreferenceValue{}, fmt.Errorf("decode bool value: %w", err)
		}
		return BoolValue(b), nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return PreferenceValue{}, fmt.Errorf("decode string value: %w", err)
		}
		return StringValue(s), nil
	case '{', '[':
		if !json.Valid(raw) {
			return PreferenceValue{}, fmt.Errorf("decode structured value: invalid json")
		}
		return PreferenceValue{Kind: KindStructured, Structured: append(json.RawMessage(nil), raw...)}, nil
	default:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return PreferenceValue{}, fmt.Errorf("decode number value: %w", err)
		}
		return NumberValue(n), nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v PreferenceValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindBool:
		return json.Marshal(v.Bool)
	case KindNumber:
		return json.Marshal(v.Number)
	case KindString:
		return json.Marshal(v.String)
	case KindStructured:
		if len(v.Structured) == 0 {
			return []byte("{}"), nil
		}
		return v.Structured, nil
	default:
		return nil, fmt.Errorf("preference value has no kind")
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *PreferenceValue) UnmarshalJSON(b []byte) error {
	parsed, err := ParseValue(b)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Preference is a confidence-weighted belief about a user.
type Preference struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	CompanionID string          `json:"companion_id,omitempty"`
	Key         string          `json:"key"`
	Value       PreferenceValue `json:"value"`
	Confidence  float64         `json:"confidence"`
	LearnedAt   time.Time       `json:"learned_at"`
	LastUpdated time.Time       `json:"last_updated"`
}

const preferenceColumns = `id, user_id, companion_id, pref_key, pref_value, confidence, learned_at, last_updated`

// MergePreference inserts p, or when (user, companion, key) already exists,
// replaces the value and sets confidence = min(1, avg(old, new) + bonus).
// The merge is a single statement so concurrent learners cannot duplicate rows.
func (db *DB) MergePreference(ctx context.Context, p Preference, bonus float64) (*Preference, error) {
	value, err := json.Marshal(p.Value)
	if err != nil {
		return nil, fmt.Errorf("encode preference value: %w", err)
	}
	now := toMillis(time.Now())

	_, err = db.ExecContext(ctx, `
		INSERT INTO user_preferences (id, user_id, companion_id, pref_key, pref_value, confidence, learned_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, companion_id, pref_key) DO UPDATE SET
			pref_value = excluded.pref_value,
			confidence = MIN(1.0, (user_preferences.confidence + excluded.confidence) / 2.0 + ?),
			last_updated = excluded.last_updated
	`, uuid.NewString(), p.UserID, p.CompanionID, p.Key, string(value), p.Confidence, now, now, bonus)
	if err != nil {
		return nil, fmt.Errorf("merge preference: %w", err)
	}

	return db.GetPreference(ctx, p.UserID, p.CompanionID, p.Key)
}

// GetPreference returns the preference for (user, companion, key), or nil if not found.
func (db *DB) GetPreference(ctx context.Context, userID, companionID, key string) (*Preference, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+preferenceColumns+` FROM user_preferences
		WHERE user_id = ? AND companion_id = ? AND pref_key = ?
	`, userID, companionID, key)
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	defer rows.Close()

	prefs, err := scanPreferences(rows)
	if err != nil {
		return nil, err
	}
	if len(prefs) == 0 {
		return nil, nil
	}
	return &prefs[0], nil
}

// ListPreferences returns a user's preferences, highest confidence first.
// An empty companionID lists preferences across all companions.
func (db *DB) ListPreferences(ctx context.Context, userID, companionID string) ([]Preference, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+preferenceColumns+` FROM user_preferences
		WHERE user_id = ? AND (? = '' OR companion_id = ?)
		ORDER BY confidence DESC, pref_key ASC
	`, userID, companionID, companionID)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()
	return scanPreferences(rows)
}

func scanPreferences(rows *sql.Rows) ([]Preference, error) {
	var prefs []Preference
	for rows.Next() {
		var p Preference
		var value string
		var learnedAt, lastUpdated int64
		if err := rows.Scan(&p.ID, &p.UserID, &p.CompanionID, &p.Key, &value, &p.Confidence,
			&learnedAt, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		v, err := ParseValue([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("decode preference %s: %w", p.Key, err)
		}
		p.Value = v
		p.LearnedAt = fromMillis(learnedAt)
		p.LastUpdated = fromMillis(lastUpdated)
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}
