// Package telemetry counts pipeline runs with OpenTelemetry and produces the
// synthetic resource metrics and traffic hits shown on the dashboard.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"deplight/internal/history"
)

const meterName = "deplight"

// Metrics records run counters. It satisfies deployment.Observer.
type Metrics struct {
	started  metric.Int64Counter
	finished metric.Int64Counter
	inFlight metric.Int64UpDownCounter
	active   atomic.Int64
}

// NewPrometheusProvider creates a meter provider backed by a Prometheus
// exporter on a private registry. The handler serves that registry in the
// text exposition format. Shut the provider down on exit.
func NewPrometheusProvider() (*sdkmetric.MeterProvider, http.Handler, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// NewMetrics registers the run instruments on mp, or on the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	started, err := meter.Int64Counter("deplight.runs.started",
		metric.WithDescription("Pipeline, wake and rollback runs started"))
	if err != nil {
		return nil, fmt.Errorf("create runs.started counter: %w", err)
	}
	finished, err := meter.Int64Counter("deplight.runs.finished",
		metric.WithDescription("Runs finished, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create runs.finished counter: %w", err)
	}
	inFlight, err := meter.Int64UpDownCounter("deplight.runs.active",
		metric.WithDescription("Runs currently in flight"))
	if err != nil {
		return nil, fmt.Errorf("create runs.active counter: %w", err)
	}

	return &Metrics{started: started, finished: finished, inFlight: inFlight}, nil
}

// RunStarted counts a run of kind.
func (m *Metrics) RunStarted(kind history.RunKind) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
	m.started.Add(ctx, 1, attrs)
	m.inFlight.Add(ctx, 1, attrs)
	m.active.Add(1)
}

// RunFinished counts the outcome of a run of kind.
func (m *Metrics) RunFinished(kind history.RunKind, status history.RunStatus) {
	ctx := context.Background()
	m.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", string(status)),
	))
	m.inFlight.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", string(kind))))
	m.active.Add(-1)
}

// Active returns the number of runs in flight.
func (m *Metrics) Active() int64 {
	return m.active.Load()
}
