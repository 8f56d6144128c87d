// Package telemetry wires the service counters through OpenTelemetry.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics are the counters the service layers bump.
type Metrics struct {
	ShipsAllocated metric.Int64Counter
	ShipsCreated   metric.Int64Counter
	ShipsReaped    metric.Int64Counter
	ExecsForwarded metric.Int64Counter
	PoolClaims     metric.Int64Counter
}

// Init installs the global meter provider and builds the service counters.
// When export is enabled, metrics are periodically written to stdout; the
// returned shutdown func flushes whatever remains.
func Init(export bool) (*Metrics, func(context.Context) error, error) {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("bay"),
		)),
	}
	if export {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second)),
		))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/shipyard-project/bay")
	m := &Metrics{}
	var err error
	if m.ShipsAllocated, err = meter.Int64Counter("bay.ships.allocated",
		metric.WithDescription("Ships handed to sessions")); err != nil {
		return nil, nil, err
	}
	if m.ShipsCreated, err = meter.Int64Counter("bay.ships.created",
		metric.WithDescription("Fresh containers created")); err != nil {
		return nil, nil, err
	}
	if m.ShipsReaped, err = meter.Int64Counter("bay.ships.reaped",
		metric.WithDescription("Ships stopped by the reaper")); err != nil {
		return nil, nil, err
	}
	if m.ExecsForwarded, err = meter.Int64Counter("bay.execs.forwarded",
		metric.WithDescription("Exec requests forwarded to ships")); err != nil {
		return nil, nil, err
	}
	if m.PoolClaims, err = meter.Int64Counter("bay.pool.claims",
		metric.WithDescription("Warm pool ships claimed")); err != nil {
		return nil, nil, err
	}
	return m, provider.Shutdown, nil
}

// Noop returns metrics backed by the no-op global meter, for tests.
func Noop() *Metrics {
	meter := otel.Meter("github.com/shipyard-project/bay/noop")
	m := &Metrics{}
	m.ShipsAllocated, _ = meter.Int64Counter("bay.ships.allocated")
	m.ShipsCreated, _ = meter.Int64Counter("bay.ships.created")
	m.ShipsReaped, _ = meter.Int64Counter("bay.ships.reaped")
	m.ExecsForwarded, _ = meter.Int64Counter("bay.execs.forwarded")
	m.PoolClaims, _ = meter.Int64Counter("bay.pool.claims")
	return m
}
