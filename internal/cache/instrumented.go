package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce     sync.Once
	indexOperations metric.Int64Counter
	indexDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/hula-im/hula-core/internal/cache")

		var err error
		indexOperations, err = meter.Int64Counter(
			"index.operations",
			metric.WithDescription("Total index operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		indexDuration, err = meter.Float64Histogram(
			"index.operation.duration",
			metric.WithDescription("Index operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps an Index with metrics instrumentation.
type Instrumented[T any] struct {
	wrapped Index[T]
	name    string
}

// NewInstrumented creates an instrumented index wrapper. The name labels every
// metric recorded for this index.
func NewInstrumented[T any](index Index[T], name string) *Instrumented[T] {
	initMetrics()
	return &Instrumented[T]{
		wrapped: index,
		name:    name,
	}
}

func (i *Instrumented[T]) Get(ctx context.Context, key string) (T, bool, error) {
	start := time.Now()

	value, found, err := i.wrapped.Get(ctx, key)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.record(ctx, "get", status, time.Since(start))

	return value, found, err
}

func (i *Instrumented[T]) Set(ctx context.Context, key string, value T) error {
	start := time.Now()

	err := i.wrapped.Set(ctx, key, value)

	i.record(ctx, "set", errorStatus(err), time.Since(start))

	return err
}

func (i *Instrumented[T]) Invalidate(ctx context.Context, key string) error {
	start := time.Now()

	err := i.wrapped.Invalidate(ctx, key)

	i.record(ctx, "invalidate", errorStatus(err), time.Since(start))

	return err
}

func (i *Instrumented[T]) InvalidateAll(ctx context.Context) error {
	start := time.Now()

	err := i.wrapped.InvalidateAll(ctx)

	i.record(ctx, "invalidate_all", errorStatus(err), time.Since(start))

	return err
}

func (i *Instrumented[T]) Close() error {
	return i.wrapped.Close()
}

func errorStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (i *Instrumented[T]) record(ctx context.Context, operation, status string, duration time.Duration) {
	if indexOperations != nil {
		indexOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("index.name", i.name),
				attribute.String("index.operation", operation),
				attribute.String("index.status", status),
			),
		)
	}

	if indexDuration != nil {
		indexDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("index.name", i.name),
				attribute.String("index.operation", operation),
			),
		)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("index.name", i.name),
		attribute.String("index."+operation+".status", status),
		attribute.Float64("index."+operation+".duration", duration.Seconds()),
	)
}
