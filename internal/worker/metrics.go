package worker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/zerverless/jobqueue/internal/worker"

// MetricsObserver records pool events as OpenTelemetry instruments:
//
//	jobqueue.job.events   counter, attribute "type"
//	jobqueue.job.duration histogram in seconds, attribute "type", for
//	                      completed, retried and failed events
//
// A nil meter uses the global MeterProvider.
func MetricsObserver(meter metric.Meter) (Observer, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	events, err := meter.Int64Counter("jobqueue.job.events",
		metric.WithDescription("Job lifecycle events emitted by the worker pool"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("jobqueue.job.duration",
		metric.WithDescription("Handler execution time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return func(e Event) {
		ctx := context.Background()
		attrs := metric.WithAttributes(attribute.String("type", string(e.Type)))
		events.Add(ctx, 1, attrs)
		switch e.Type {
		case EventCompleted, EventRetried, EventFailed:
			duration.Record(ctx, e.Duration.Seconds(), attrs)
		}
	}, nil
}
