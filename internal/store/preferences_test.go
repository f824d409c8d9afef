package store

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw  string
		kind ValueKind
	}{
		{`true`, KindBool},
		{`false`, KindBool},
		{`3.5`, KindNumber},
		{`-2`, KindNumber},
		{`"aggressive"`, KindString},
		{`{"genres":["rpg"]}`, KindStructured},
		{`[1,2]`, KindStructured},
	}
	for _, tt := range tests {
		v, err := ParseValue([]byte(tt.raw))
		if err != nil {
			t.Errorf("ParseValue(%s): %v", tt.raw, err)
			continue
		}
		if v.Kind != tt.kind {
			t.Errorf("ParseValue(%s).Kind = %s, want %s", tt.raw, v.Kind, tt.kind)
		}
		out, err := json.Marshal(v)
		if err != nil {
			t.Errorf("Marshal(%s): %v", tt.raw, err)
			continue
		}
		if string(out) != tt.raw {
			t.Errorf("round trip %s = %s", tt.raw, out)
		}
	}

	for _, bad := range []string{``, `null`, `{bad`, `nope`} {
		if _, err := ParseValue([]byte(bad)); err == nil {
			t.Errorf("ParseValue(%q): expected error", bad)
		}
	}
}

func TestMergePreferenceInsertThenReinforce(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := Preference{UserID: "user-1", CompanionID: "c1", Key: "play_style", Value: StringValue("aggressive"), Confidence: 0.6}
	got, err := db.MergePreference(ctx, p, 0.1)
	if err != nil {
		t.Fatalf("MergePreference: %v", err)
	}
	if got.Confidence != 0.6 {
		t.Errorf("inserted confidence = %f, want 0.6", got.Confidence)
	}

	p.Value = StringValue("defensive")
	p.Confidence = 0.8
	got, err = db.MergePreference(ctx, p, 0.1)
	if err != nil {
		t.Fatalf("MergePreference update: %v", err)
	}
	if math.Abs(got.Confidence-0.8) > 1e-9 {
		t.Errorf("merged confidence = %f, want 0.8", got.Confidence)
	}
	if got.Value.String != "defensive" {
		t.Errorf("value = %q, want defensive", got.Value.String)
	}

	all, _ := db.ListPreferences(ctx, "user-1", "c1")
	if len(all) != 1 {
		t.Errorf("got %d rows, want 1", len(all))
	}
}

func TestMergePreferenceConcurrentLearners(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := Preference{UserID: "user-1", CompanionID: "c1", Key: "difficulty", Value: StringValue("hard"), Confidence: 0.5}
			if _, err := db.MergePreference(ctx, p, 0.05); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("MergePreference: %v", err)
	}

	all, err := db.ListPreferences(ctx, "user-1", "c1")
	if err != nil {
		t.Fatalf("ListPreferences: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d rows, want 1", len(all))
	}
	if all[0].Confidence <= 0.5 {
		t.Errorf("confidence = %f, want reinforced above 0.5", all[0].Confidence)
	}
}

func TestMergePreferenceCapsAtOne(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := Preference{UserID: "user-1", Key: "likes_puzzles", Value: BoolValue(true), Confidence: 0.95}
	var last float64
	for i := 0; i < 5; i++ {
		got, err := db.MergePreference(ctx, p, 0.1)
		if err != nil {
			t.Fatalf("MergePreference: %v", err)
		}
		if got.Confidence > 1 {
			t.Fatalf("confidence %f exceeds 1", got.Confidence)
		}
		if got.Confidence < last {
			t.Errorf("confidence decreased: %f -> %f", last, got.Confidence)
		}
		last = got.Confidence
	}
	if last != 1 {
		t.Errorf("final confidence = %f, want 1", last)
	}
}

func TestPreferencesScopedByCompanion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	db.MergePreference(ctx, Preference{UserID: "user-1", CompanionID: "c1", Key: "k", Value: NumberValue(1), Confidence: 0.5}, 0.1)
	db.MergePreference(ctx, Preference{UserID: "user-1", CompanionID: "c2", Key: "k", Value: NumberValue(2), Confidence: 0.9}, 0.1)
	db.MergePreference(ctx, Preference{UserID: "user-1", Key: "k", Value: NumberValue(3), Confidence: 0.7}, 0.1)

	all, err := db.ListPreferences(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("ListPreferences: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d, want 3", len(all))
	}
	if all[0].Confidence != 0.9 {
		t.Errorf("first confidence = %f, want 0.9", all[0].Confidence)
	}

	c1, _ := db.ListPreferences(ctx, "user-1", "c1")
	if len(c1) != 1 || c1[0].Value.Number != 1 {
		t.Errorf("c1 prefs = %+v", c1)
	}

	missing, err := db.GetPreference(ctx, "user-1", "c3", "k")
	if err != nil {
		t.Fatalf("GetPreference: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing preference")
	}
}
