// Package metrics wires the orchestrator counters into the OpenTelemetry
// metric API with a Prometheus exporter, served over /metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const meterName = "checkout-orchestrator"

// Metrics holds the orchestrator instrument set.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	SagasStarted      otelmetric.Int64Counter
	SagasCompleted    otelmetric.Int64Counter
	SagasFailed       otelmetric.Int64Counter
	SagasCompensating otelmetric.Int64Counter

	EventsProcessed    otelmetric.Int64Counter
	EventsDuplicate    otelmetric.Int64Counter
	EventsDropped      otelmetric.Int64Counter
	EventsDeadLettered otelmetric.Int64Counter

	PricingRetries  otelmetric.Int64Counter
	PublishFailures otelmetric.Int64Counter

	StageLatency otelmetric.Float64Histogram
}

var (
	initOnce sync.Once
	instance *Metrics
	initErr  error
)

// Init builds the Prometheus-backed meter provider once and registers the
// instruments. Subsequent calls return the same instance.
func Init(serviceName string) (*Metrics, error) {
	initOnce.Do(func() {
		instance, initErr = build(serviceName)
	})
	return instance, initErr
}

func build(serviceName string) (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider}
	for _, inst := range []struct {
		counter *otelmetric.Int64Counter
		name    string
		desc    string
	}{
		{&m.SagasStarted, "checkout_sagas_started_total", "Sagas admitted through the checkout API"},
		{&m.SagasCompleted, "checkout_sagas_completed_total", "Sagas that reached COMPLETED"},
		{&m.SagasFailed, "checkout_sagas_failed_total", "Sagas that reached FAILED"},
		{&m.SagasCompensating, "checkout_sagas_compensating_total", "Sagas that entered compensation"},
		{&m.EventsProcessed, "checkout_events_processed_total", "Events applied to a saga"},
		{&m.EventsDuplicate, "checkout_events_duplicate_total", "Redelivered events dropped by the idempotency gate"},
		{&m.EventsDropped, "checkout_events_dropped_total", "Events acked without a matching transition"},
		{&m.EventsDeadLettered, "checkout_events_dead_lettered_total", "Undecodable events moved to the dead letter topic"},
		{&m.PricingRetries, "checkout_pricing_retries_total", "Pricing RPC attempts beyond the first"},
		{&m.PublishFailures, "checkout_publish_failures_total", "Command publishes that failed after retry"},
	} {
		c, err := meter.Int64Counter(inst.name, otelmetric.WithDescription(inst.desc))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", inst.name, err)
		}
		*inst.counter = c
	}

	m.StageLatency, err = meter.Float64Histogram(
		"checkout_stage_latency_seconds",
		otelmetric.WithDescription("Time from saga update to the event that advanced it"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage latency histogram: %w", err)
	}

	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordState bumps the terminal-state counters after a persisted transition.
func (m *Metrics) RecordState(ctx context.Context, state string) {
	if m == nil {
		return
	}
	switch state {
	case "COMPLETED":
		m.SagasCompleted.Add(ctx, 1)
	case "FAILED":
		m.SagasFailed.Add(ctx, 1)
	case "COMPENSATING":
		m.SagasCompensating.Add(ctx, 1)
	}
}

// EventAttrs labels event counters with the event type.
func EventAttrs(eventType string) otelmetric.AddOption {
	return otelmetric.WithAttributes(attribute.String("event_type", eventType))
}
