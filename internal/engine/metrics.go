package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/lazypower/kindred/engine"

// Metrics holds the engine's OpenTelemetry instruments. Without an SDK
// installed the global meter provider is a no-op.
type Metrics struct {
	stored            metric.Int64Counter
	retrieved         metric.Int64Counter
	decayed           metric.Int64Counter
	archived          metric.Int64Counter
	clusters          metric.Int64Counter
	preferences       metric.Int64Counter
	embeddingFailures metric.Int64Counter
	retrieveDuration  metric.Float64Histogram
}

// NewMetrics creates the instruments from the given provider, or the
// global one when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	var meter metric.Meter
	if mp != nil {
		meter = mp.Meter(meterName)
	} else {
		meter = otel.Meter(meterName)
	}

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.stored, "kindred.memories.stored", "Memories persisted by ingestion"},
		{&m.retrieved, "kindred.memories.retrieved", "Memories returned by retrieval"},
		{&m.decayed, "kindred.memories.decayed", "Memories whose importance decayed"},
		{&m.archived, "kindred.memories.archived", "Memories archived by decay or consolidation"},
		{&m.clusters, "kindred.clusters.built", "Topic clusters written"},
		{&m.preferences, "kindred.preferences.learned", "Preference observations merged"},
		{&m.embeddingFailures, "kindred.embedding.failures", "Embedding calls that failed and degraded"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}

	var err error
	m.retrieveDuration, err = meter.Float64Histogram(
		"kindred.retrieve.duration",
		metric.WithDescription("Retrieval latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func typeAttr(memType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("type", memType))
}

func passAttr(pass string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("pass", pass))
}

// The recording helpers are nil-safe so an engine without metrics still works.

func (m *Metrics) memoryStored(ctx context.Context, memType string) {
	if m != nil {
		m.stored.Add(ctx, 1, typeAttr(memType))
	}
}

func (m *Metrics) memoriesRetrieved(ctx context.Context, n int, elapsed time.Duration) {
	if m != nil {
		m.retrieved.Add(ctx, int64(n))
		m.retrieveDuration.Record(ctx, float64(elapsed.Microseconds())/1000)
	}
}

func (m *Metrics) memoriesDecayed(ctx context.Context, n int) {
	if m != nil && n > 0 {
		m.decayed.Add(ctx, int64(n))
	}
}

func (m *Metrics) memoriesArchived(ctx context.Context, pass string, n int) {
	if m != nil && n > 0 {
		m.archived.Add(ctx, int64(n), passAttr(pass))
	}
}

func (m *Metrics) clustersBuilt(ctx context.Context, n int) {
	if m != nil && n > 0 {
		m.clusters.Add(ctx, int64(n))
	}
}

func (m *Metrics) preferenceLearned(ctx context.Context) {
	if m != nil {
		m.preferences.Add(ctx, 1)
	}
}

func (m *Metrics) embeddingFailed(ctx context.Context) {
	if m != nil {
		m.embeddingFailures.Add(ctx, 1)
	}
}
