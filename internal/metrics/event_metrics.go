package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("event-metrics")

// EventMetrics provides metrics collection for the event pipeline
type EventMetrics struct {
	eventsEnqueuedCounter  metric.Int64Counter
	eventsCompletedCounter metric.Int64Counter
	eventsFailedCounter    metric.Int64Counter
	eventDurationHistogram metric.Float64Histogram
	eventsInFlightGauge    metric.Int64UpDownCounter
}

// NewEventMetrics creates a new event metrics collector
func NewEventMetrics() (*EventMetrics, error) {
	eventsEnqueuedCounter, err := meter.Int64Counter(
		"sheet_enricher.events.enqueued",
		metric.WithDescription("Total number of events enqueued"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	eventsCompletedCounter, err := meter.Int64Counter(
		"sheet_enricher.events.completed",
		metric.WithDescription("Total number of events processed successfully"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	eventsFailedCounter, err := meter.Int64Counter(
		"sheet_enricher.events.failed",
		metric.WithDescription("Total number of events that failed processing"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	eventDurationHistogram, err := meter.Float64Histogram(
		"sheet_enricher.event.duration",
		metric.WithDescription("Duration of event handler execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	eventsInFlightGauge, err := meter.Int64UpDownCounter(
		"sheet_enricher.events.in_flight",
		metric.WithDescription("Number of events currently being processed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &EventMetrics{
		eventsEnqueuedCounter:  eventsEnqueuedCounter,
		eventsCompletedCounter: eventsCompletedCounter,
		eventsFailedCounter:    eventsFailedCounter,
		eventDurationHistogram: eventDurationHistogram,
		eventsInFlightGauge:    eventsInFlightGauge,
	}, nil
}

// RecordEventEnqueued records a new event entering the queue
func (em *EventMetrics) RecordEventEnqueued(ctx context.Context, documentID, eventType string) {
	em.eventsEnqueuedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.String("event.type", eventType),
		),
	)
}

// RecordEventStarted records an event being claimed for processing
func (em *EventMetrics) RecordEventStarted(ctx context.Context, documentID, eventType string) {
	em.eventsInFlightGauge.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.String("event.type", eventType),
		),
	)
}

// RecordEventCompleted records a successful terminal transition
func (em *EventMetrics) RecordEventCompleted(ctx context.Context, documentID, eventType string, duration time.Duration) {
	em.eventsCompletedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.String("event.type", eventType),
			attribute.String("status", "completed"),
		),
	)
	em.eventDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("status", "completed"),
		),
	)
	em.eventsInFlightGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.String("event.type", eventType),
		),
	)
}

// RecordEventFailed records a failed handler execution
func (em *EventMetrics) RecordEventFailed(ctx context.Context, documentID, eventType string, duration time.Duration) {
	em.eventsFailedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.String("event.type", eventType),
			attribute.String("status", "failed"),
		),
	)
	em.eventDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("status", "failed"),
		),
	)
	em.eventsInFlightGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.String("event.type", eventType),
		),
	)
}
