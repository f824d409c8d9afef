package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lazypower/kindred/internal/config"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"Hello World", 2},
		{"Go developer, prefers minimal dependencies.", 5},
		{"a b c", 0},       // single chars skipped
		{"SQLite WAL mode", 3},
		{"", 0},
	}

	for _, tt := range tests {
		tokens := tokenize(tt.input)
		if len(tokens) != tt.want {
			t.Errorf("tokenize(%q) = %d tokens %v, want %d", tt.input, len(tokens), tokens, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	vec := []float64{3, 4}
	normalize(vec)

	expected := 1.0
	norm := math.Sqrt(vec[0]*vec[0] + vec[1]*vec[1])
	if math.Abs(norm-expected) > 1e-10 {
		t.Errorf("normalized magnitude = %f, want %f", norm, expected)
	}
}

func TestNormalizeZero(t *testing.T) {
	vec := []float64{0, 0, 0}
	normalize(vec) // should not panic
	for i, v := range vec {
		if v != 0 {
			t.Errorf("vec[%d] = %f, want 0", i, v)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	// Identical vectors
	a := []float64{1, 0, 0}
	b := []float64{1, 0, 0}
	sim := CosineSimilarity(a, b)
	if math.Abs(sim-1.0) > 1e-10 {
		t.Errorf("identical vectors similarity = %f, want 1.0", sim)
	}

	// Orthogonal vectors
	c := []float64{1, 0}
	d := []float64{0, 1}
	sim = CosineSimilarity(c, d)
	if math.Abs(sim) > 1e-10 {
		t.Errorf("orthogonal vectors similarity = %f, want 0.0", sim)
	}

	// Opposite vectors
	e := []float64{1, 0}
	f := []float64{-1, 0}
	sim = CosineSimilarity(e, f)
	if math.Abs(sim-(-1.0)) > 1e-10 {
		t.Errorf("opposite vectors similarity = %f, want -1.0", sim)
	}

	// Different lengths
	sim = CosineSimilarity([]float64{1}, []float64{1, 2})
	if sim != 0 {
		t.Errorf("mismatched lengths = %f, want 0", sim)
	}

	// Empty
	sim = CosineSimilarity([]float64{}, []float64{})
	if sim != 0 {
		t.Errorf("empty vectors = %f, want 0", sim)
	}
}

func TestHashEmbedder(t *testing.T) {
	emb := NewHashEmbedder(512)
	if emb.Model() != "hash-512" {
		t.Errorf("model = %q, want hash-512", emb.Model())
	}
	ctx := context.Background()

	vec, err := emb.Embed(ctx, "Go developer minimal dependencies")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != emb.Dimensions() {
		t.Errorf("vec length = %d, want %d", len(vec), emb.Dimensions())
	}

	again, _ := emb.Embed(ctx, "Go developer minimal dependencies")
	if sim := CosineSimilarity(vec, again); math.Abs(sim-1) > 1e-9 {
		t.Errorf("same text similarity = %f, want 1", sim)
	}

	related, _ := emb.Embed(ctx, "Go developer who prefers minimal dependencies")
	unrelated, _ := emb.Embed(ctx, "Python machine learning tensorflow")
	relSim := CosineSimilarity(vec, related)
	unrelSim := CosineSimilarity(vec, unrelated)
	if relSim < 0.5 {
		t.Errorf("related similarity = %f, want > 0.5", relSim)
	}
	if unrelSim >= relSim {
		t.Errorf("unrelated similarity %f should be less than related %f", unrelSim, relSim)
	}
}

func TestHashEmbedderEmptyText(t *testing.T) {
	vec, err := NewHashEmbedder(0).Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 256 {
		t.Fatalf("default dims = %d, want 256", len(vec))
	}
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("vec[%d] = %f, want 0", i, v)
		}
	}
}

// countingEmbedder counts calls and optionally fails.
type countingEmbedder struct {
	calls atomic.Int32
	err   error
	inner Embedder
}

func (c *countingEmbedder) Model() string   { return c.inner.Model() }
func (c *countingEmbedder) Dimensions() int { return c.inner.Dimensions() }
func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Embed(ctx, text)
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{inner: NewHashEmbedder(64)}
	cached, err := NewCachedEmbedder(inner, 100)
	if err != nil {
		t.Fatalf("NewCachedEmbedder: %v", err)
	}
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.Embed(ctx, "dragon slaying strategy")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	cached.Wait()

	second, err := cached.Embed(ctx, "dragon slaying strategy")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("inner calls = %d, want 1", got)
	}
	if CosineSimilarity(first, second) < 0.999 {
		t.Error("cached vector differs from original")
	}

	second[0] = 42
	third, _ := cached.Embed(ctx, "dragon slaying strategy")
	if third[0] == 42 {
		t.Error("cache returned a shared slice")
	}
}

func TestCachedEmbedderDoesNotCacheErrors(t *testing.T) {
	inner := &countingEmbedder{inner: NewHashEmbedder(64), err: errors.New("down")}
	cached, err := NewCachedEmbedder(inner, 10)
	if err != nil {
		t.Fatalf("NewCachedEmbedder: %v", err)
	}
	defer cached.Close()

	for i := 0; i < 2; i++ {
		if _, err := cached.Embed(context.Background(), "x text"); err == nil {
			t.Fatal("expected error")
		}
		cached.Wait()
	}
	if got := inner.calls.Load(); got != 2 {
		t.Errorf("inner calls = %d, want 2", got)
	}
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "nomic-embed-text" {
			t.Errorf("model = %v", body["model"])
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	emb := NewOllamaEmbedder(srv.URL, "nomic-embed-text", 3)
	vec, err := emb.Embed(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Errorf("vec = %v", vec)
	}
	if emb.Model() != "ollama:nomic-embed-text" {
		t.Errorf("model = %q", emb.Model())
	}
	if !ProbeOllama(srv.URL, "nomic-embed-text") {
		t.Error("ProbeOllama = false for a healthy server")
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{1, 0}}},
		})
	}))
	defer srv.Close()

	emb := NewOpenAIEmbedder(srv.URL+"/v1/", "sk-test", "", 2)
	vec, err := emb.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 1 {
		t.Errorf("vec = %v", vec)
	}
	if emb.Model() != "openai:text-embedding-3-small" {
		t.Errorf("model = %q", emb.Model())
	}
}

func TestOpenAIEmbedderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := NewOpenAIEmbedder(srv.URL, "", "m", 2).Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error on 429")
	}
}

func TestNewEmbedder(t *testing.T) {
	emb, err := NewEmbedder(config.EmbeddingConfig{Provider: "none"}, config.CacheConfig{}, nil)
	if err != nil || emb != nil {
		t.Fatalf("none: emb=%v err=%v", emb, err)
	}

	emb, err = NewEmbedder(config.EmbeddingConfig{Provider: "hash", Dimensions: 32}, config.CacheConfig{}, nil)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, ok := emb.(*HashEmbedder); !ok {
		t.Errorf("hash provider built %T", emb)
	}

	emb, err = NewEmbedder(config.EmbeddingConfig{Provider: "hash", Dimensions: 32},
		config.CacheConfig{Enabled: true, MaxEntries: 10}, nil)
	if err != nil {
		t.Fatalf("cached hash: %v", err)
	}
	if c, ok := emb.(*CachedEmbedder); !ok {
		t.Errorf("cache enabled built %T", emb)
	} else {
		c.Close()
	}

	if _, err := NewEmbedder(config.EmbeddingConfig{Provider: "openai"}, config.CacheConfig{}, nil); err == nil {
		t.Error("openai without key should fail")
	}
	if _, err := NewEmbedder(config.EmbeddingConfig{Provider: "word2vec"}, config.CacheConfig{}, nil); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestNewEmbedderOllamaFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	core, logs := observer.New(zap.WarnLevel)
	emb, err := NewEmbedder(config.EmbeddingConfig{Provider: "ollama", OllamaURL: srv.URL, Model: "nomic", Dimensions: 768},
		config.CacheConfig{}, zap.New(core))
	if err != nil {
		t.Fatalf("ollama fallback: %v", err)
	}
	if got := emb.Dimensions(); got != 768 {
		t.Errorf("fallback dimensions = %d, want 768", got)
	}
	if got := emb.Model(); got != "hash-768" {
		t.Errorf("fallback model = %q", got)
	}
	entries := logs.FilterMessage("ollama unreachable, using hash embeddings").All()
	if len(entries) != 1 {
		t.Fatalf("want one fallback warning, got %d", logs.Len())
	}
	if url := entries[0].ContextMap()["url"]; url != srv.URL {
		t.Errorf("warning url = %v, want %s", url, srv.URL)
	}
}
