package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hanko-field/ordercore/internal/services")

type nopMetrics struct{}

func (nopMetrics) ObserveUseCase(string, string, time.Duration) {}
func (nopMetrics) Transition(string, string)                    {}
func (nopMetrics) Reservation(string)                           {}
func (nopMetrics) WebhookEvent(string, string)                  {}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return func(context.Context, string, map[string]any) {}
	}
	return l
}

// track opens a span for a use case and returns the function that closes it and
// records the outcome.
func track(ctx context.Context, metrics Metrics, useCase string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "orders."+useCase, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(err error) {
		outcome := outcomeFor(err)
		span.SetAttributes(attribute.String("orders.outcome", outcome))
		if outcome == "error" || outcome == "unavailable" {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		metrics.ObserveUseCase(useCase, outcome, time.Since(start))
		span.End()
	}
}
