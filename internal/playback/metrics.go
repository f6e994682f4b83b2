package playback

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentation = "github.com/loqalabs/loqa-reader/playback"

type metrics struct {
	requests metric.Int64Counter
	resolve  metric.Float64Histogram
	saves    metric.Int64Counter
	state    metric.Int64ObservableGauge
}

func newMetrics(a *Arbitrator) (*metrics, error) {
	meter := otel.Meter(instrumentation)
	requests, err := meter.Int64Counter("reader.playback.requests", metric.WithDescription("Audio requests by source and outcome"))
	if err != nil {
		return nil, err
	}
	resolve, err := meter.Float64Histogram("reader.playback.resolve.duration", metric.WithDescription("Time spent resolving audio"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	saves, err := meter.Int64Counter("reader.positions.saves", metric.WithDescription("Narration offsets persisted"))
	if err != nil {
		return nil, err
	}
	state, err := meter.Int64ObservableGauge("reader.playback.state", metric.WithDescription("Current arbitrator state (0 idle .. 4 ended)"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		s := a.Status()
		obs.ObserveInt64(state, int64(s.State), metric.WithAttributes(attribute.String("source", s.Source.String())))
		return nil
	}, state)
	if err != nil {
		return nil, err
	}
	return &metrics{requests: requests, resolve: resolve, saves: saves, state: state}, nil
}

func (m *metrics) request(ctx context.Context, source SourceKind, outcome string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source.String()),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) resolved(ctx context.Context, source SourceKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.resolve.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("source", source.String())))
}

func (m *metrics) saved(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.saves.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
