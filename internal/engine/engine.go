package engine

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/config"
	"github.com/lazypower/kindred/internal/llm"
	"github.com/lazypower/kindred/internal/lock"
	"github.com/lazypower/kindred/internal/logging"
	"github.com/lazypower/kindred/internal/store"
)

// Options are the engine thresholds. Request fields left at their zero value
// fall back to these.
type Options struct {
	SimilarityThreshold    float64
	DecayRate              float64
	ArchiveFloor           float64
	ConsolidationGroupSize int
	ConsolidatedImportance float64
	ReinforcementBonus     float64
	StaleDays              int
	ClusterMinSize         int
	ClusterWindow          int
	RetrieveLimit          int
	FallbackSummaryLength  int
	LockTTL                time.Duration
}

// DefaultOptions mirrors config.Default().
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Memory)
}

// OptionsFromConfig converts the memory section of the config file.
func OptionsFromConfig(c config.MemoryConfig) Options {
	return Options{
		SimilarityThreshold:    c.SimilarityThreshold,
		DecayRate:              c.DecayRate,
		ArchiveFloor:           c.ArchiveFloor,
		ConsolidationGroupSize: c.ConsolidationGroupSize,
		ConsolidatedImportance: c.ConsolidatedImportance,
		ReinforcementBonus:     c.ReinforcementBonus,
		StaleDays:              c.StaleDays,
		ClusterMinSize:         c.ClusterMinSize,
		ClusterWindow:          c.ClusterWindow,
		RetrieveLimit:          c.RetrieveLimit,
		FallbackSummaryLength:  c.FallbackSummaryLength,
		LockTTL:                10 * time.Minute,
	}
}

// Engine runs ingestion, retrieval, the batch maintenance passes and the
// preference learner over one store. Ports are injected; any of LLM,
// Embedder and Index may be nil.
type Engine struct {
	DB       *store.DB
	LLM      llm.Client
	Embedder Embedder
	Index    Index
	Locker   lock.Locker
	Metrics  *Metrics

	opts Options
	log  *zap.Logger
	now  func() time.Time

	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	reindexing atomic.Bool
}

// New creates a new Engine. A nil logger discards output.
func New(db *store.DB, client llm.Client, opts Options, logger *zap.Logger) *Engine {
	logger = logging.OrNop(logger)
	m, err := NewMetrics(nil)
	if err != nil {
		logger.Warn("metrics disabled", zap.Error(err))
	}
	return &Engine{
		DB:      db,
		LLM:     client,
		Locker:  lock.NewLocal(),
		Metrics: m,
		opts:    opts,
		log:     logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// SetEmbedder configures the embedding provider.
func (e *Engine) SetEmbedder(emb Embedder) {
	e.Embedder = emb
}

// SetIndex configures an optional vector index used to accelerate retrieval.
func (e *Engine) SetIndex(idx Index) {
	e.Index = idx
}

// SetLocker replaces the in-process maintenance lock, e.g. with lock.Redis.
func (e *Engine) SetLocker(l lock.Locker) {
	if l != nil {
		e.Locker = l
	}
}

// Options returns the engine thresholds.
func (e *Engine) Options() Options {
	return e.opts
}

// Stop shuts down the scheduler and waits for background extraction to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// available reports whether the store can serve requests, logging when not.
func (e *Engine) available(ctx context.Context, op string) bool {
	if e.DB.Available(ctx) {
		return true
	}
	e.log.Warn("memory store unavailable", zap.String("op", op))
	return false
}

// goBackground runs fn on a tracked goroutine with its own timeout, detached
// from the caller's request context.
func (e *Engine) goBackground(timeout time.Duration, fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	}()
}

// embed returns the vector for text, or nil when the port is absent or fails.
func (e *Engine) embed(ctx context.Context, text string) ([]float64, string) {
	if e.Embedder == nil {
		return nil, ""
	}
	vec, err := e.Embedder.Embed(ctx, text)
	if err != nil || !usableVector(vec) {
		e.log.Debug("embedding unavailable", zap.Error(err))
		e.Metrics.embeddingFailed(ctx)
		return nil, ""
	}
	return vec, e.Embedder.Model()
}

// usableVector reports whether vec has a direction. A zero vector (text with
// no tokens, for the hash embedder) is stored as no embedding at all.
func usableVector(vec []float64) bool {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	return sum > 0 && !math.IsNaN(sum) && !math.IsInf(sum, 0)
}

// complete calls the completion port and returns its text, or "" when the
// port is absent or fails.
func (e *Engine) complete(ctx context.Context, system, content string) string {
	if e.LLM == nil {
		return ""
	}
	resp, err := e.LLM.Complete(ctx, system, content)
	if err != nil || resp == nil {
		e.log.Debug("completion unavailable", zap.Error(err))
		return ""
	}
	return resp.Content
}
