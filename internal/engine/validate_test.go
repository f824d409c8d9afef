package engine

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/lazypower/kindred/internal/store"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"play_style", "play_style"},
		{"PlayStyle", "playstyle"},
		{"play style", "play_style"},
		{"play-style", "play_style"},
		{"play.style", "play_style"},
		{"  spaces  ", "spaces"},
		{"___leading", "leading"},
		{"trailing---", "trailing"},
		{"humor level 2", "humor_level_2"},
		{"café", "caf"}, // non-ascii dropped
		{"", ""},
		{"   ", ""},
		{"!!!!", ""},
		{"../../../etc/passwd", "etc_passwd"},
		{"'; DROP TABLE", "drop_table"},
	}

	for _, tt := range tests {
		got := sanitizeKey(tt.input)
		if got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSanitizeKeyLength(t *testing.T) {
	got := sanitizeKey(strings.Repeat("ab ", 60))
	if len(got) > maxKeyChars {
		t.Errorf("len = %d, want <= %d", len(got), maxKeyChars)
	}
	if strings.HasSuffix(got, "_") {
		t.Errorf("trailing separator in %q", got)
	}
}

func TestValidateStore(t *testing.T) {
	tests := []struct {
		name  string
		req   StoreRequest
		field string
	}{
		{"missing user", StoreRequest{Content: "hi"}, "user_id"},
		{"empty content", StoreRequest{UserID: "u", Content: ""}, "content"},
		{"whitespace content", StoreRequest{UserID: "u", Content: " \n\t "}, "content"},
		{"negative importance", StoreRequest{UserID: "u", Content: "x", Importance: -1}, "importance"},
		{"decay rate above one", StoreRequest{UserID: "u", Content: "x", DecayRate: 1.5}, "decay_rate"},
		{"too long", StoreRequest{UserID: "u", Content: strings.Repeat("x", maxContentChars+1)}, "content"},
	}
	for _, tt := range tests {
		err := validateStore(&tt.req)
		ve, ok := err.(*ValidationError)
		if !ok {
			t.Errorf("%s: err = %v, want *ValidationError", tt.name, err)
			continue
		}
		if ve.Field != tt.field {
			t.Errorf("%s: field = %q, want %q", tt.name, ve.Field, tt.field)
		}
	}

	req := StoreRequest{UserID: " u ", Content: "hello"}
	if err := validateStore(&req); err != nil {
		t.Fatalf("valid request: %v", err)
	}
	if req.Type != store.TypeConversation || req.UserID != "u" {
		t.Errorf("defaults not applied: %+v", req)
	}
}

func TestTruncateClean(t *testing.T) {
	// Short string unchanged
	if got := truncateClean("hello world", 100); got != "hello world" {
		t.Errorf("short string changed: %q", got)
	}

	// Truncates at word boundary
	s := strings.Repeat("word ", 100) // 500 chars
	got := truncateClean(s, 50)
	if utf8.RuneCountInString(got) > 50 {
		t.Errorf("truncated length %d > 50", len(got))
	}
	if strings.HasSuffix(got, " ") {
		t.Error("should not end with space")
	}
	if !strings.HasSuffix(got, "word") {
		t.Errorf("should cut at word boundary: %q", got)
	}

	// Multi-byte runes are never split
	got = truncateClean(strings.Repeat("é", 10), 4)
	if got != "éééé" {
		t.Errorf("rune truncation = %q", got)
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{`Sure! Here you go: {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`, true},
		{`no json here`, "", false},
		{`} backwards {`, "", false},
	}
	for _, tt := range tests {
		got, err := extractJSONObject(tt.input)
		if (err == nil) != tt.ok {
			t.Errorf("extractJSONObject(%q) err = %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("extractJSONObject(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
