package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lazypower/kindred/internal/store"
)

// Limits on caller-supplied fields.
const (
	maxContentChars = 32000
	maxKeyChars     = 64
)

// validKeyChar returns true if the character is allowed in a preference key.
// Allowed: lowercase alphanumeric and underscores.
func validKeyChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
}

// sanitizeKey normalizes a model-proposed preference key to snake_case.
// Uppercase becomes lowercase, spaces/dots/hyphens become underscores,
// invalid chars are dropped. Returns "" if nothing survives.
func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}

	var b strings.Builder
	prevSep := false
	for _, r := range strings.ToLower(key) {
		if validKeyChar(r) {
			b.WriteRune(r)
			prevSep = r == '_'
		} else if r == ' ' || r == '.' || r == '-' || r == '/' {
			// Collapse separators to single underscore
			if !prevSep && b.Len() > 0 {
				b.WriteByte('_')
				prevSep = true
			}
		}
	}

	result := strings.Trim(b.String(), "_")
	if len(result) > maxKeyChars {
		result = strings.TrimRight(result[:maxKeyChars], "_")
	}
	return result
}

// validateStore checks a store request before any port is called.
func validateStore(req *StoreRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return invalid("user_id", "required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return invalid("content", "must not be empty")
	}
	if utf8.RuneCountInString(req.Content) > maxContentChars {
		return invalid("content", fmt.Sprintf("longer than %d characters", maxContentChars))
	}
	if req.Type == "" {
		req.Type = store.TypeConversation
	}
	if req.Importance < 0 {
		return invalid("importance", "must not be negative")
	}
	if req.DecayRate < 0 || req.DecayRate > 1 {
		return invalid("decay_rate", "must be in (0, 1]")
	}
	return nil
}

// truncateClean truncates s to at most maxLen runes, cutting at the last
// word boundary when one is close to the limit.
func truncateClean(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}

	runes := []rune(s)
	truncated := string(runes[:maxLen])
	// Back up to last space
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > len(truncated)-200 && idx > 0 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}

// extractJSONObject pulls the outermost JSON object out of a model reply,
// tolerating markdown fences and surrounding prose.
func extractJSONObject(content string) (string, error) {
	content = strings.TrimSpace(content)

	// Strip markdown code fences if present
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < 0 || end <= start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return content[start : end+1], nil
}

// mustCompileSchema compiles a built-in schema. It panics on a malformed
// schema since those are fixed at build time.
func mustCompileSchema(url, schema string) *jsonschema.Schema {
	return jsonschema.MustCompileString(url, schema)
}

// validateJSON decodes raw and checks it against schema.
func validateJSON(schema *jsonschema.Schema, raw string) error {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return schema.Validate(v)
}
