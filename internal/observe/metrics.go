// Package observe provides the OpenTelemetry metric instruments of the sound
// dose service and the Prometheus bridge used to scrape them.
//
// Tests should use [NewMetrics] with their own [metric.MeterProvider];
// [DefaultMetrics] is bound to the global provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all service metrics.
const meterName = "github.com/oszuidwest/zwfm-sounddose"

// Momentary exposure delivery outcomes.
const (
	StatusDelivered = "delivered"
	StatusDropped   = "dropped"
)

// Metrics holds all OpenTelemetry metric instruments for the service.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// MelValues counts MEL values received from processors. Use with
	// attribute "aggregated" set to whether they entered the dose window.
	MelValues metric.Int64Counter

	// MomentaryExposures counts momentary exposure events. Use with
	// attribute "status" (StatusDelivered or StatusDropped).
	MomentaryExposures metric.Int64Counter

	// ActiveProcessors tracks the number of registered stream processors.
	ActiveProcessors metric.Int64UpDownCounter

	// ClientSessions counts client registrations.
	ClientSessions metric.Int64Counter

	// CsdResets counts external dose resets. Use with attribute "status".
	CsdResets metric.Int64Counter
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.MelValues, err = m.Int64Counter("sounddose.mel.values",
		metric.WithDescription("Total MEL values reported by stream processors."),
	); err != nil {
		return nil, err
	}
	if met.MomentaryExposures, err = m.Int64Counter("sounddose.momentary_exposures",
		metric.WithDescription("Momentary exposure events by delivery status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveProcessors, err = m.Int64UpDownCounter("sounddose.active_processors",
		metric.WithDescription("Number of registered stream processors."),
	); err != nil {
		return nil, err
	}
	if met.ClientSessions, err = m.Int64Counter("sounddose.client_sessions",
		metric.WithDescription("Total client registrations."),
	); err != nil {
		return nil, err
	}
	if met.CsdResets, err = m.Int64Counter("sounddose.csd.resets",
		metric.WithDescription("External cumulative dose resets by status."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] bound to
// [otel.GetMeterProvider]. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// ObserveDose registers the sounddose.csd gauge, reading its value from fn
// at every collection.
func (m *Metrics) ObserveDose(fn func() float64) (metric.Registration, error) {
	gauge, err := m.meter.Float64ObservableGauge("sounddose.csd",
		metric.WithDescription("Current cumulative sound dose."),
		metric.WithUnit("%"),
	)
	if err != nil {
		return nil, err
	}
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(gauge, fn())
		return nil
	}, gauge)
}

// RecordMelValues adds n MEL values to the counter.
func (m *Metrics) RecordMelValues(ctx context.Context, n int, aggregated bool) {
	m.MelValues.Add(ctx, int64(n),
		metric.WithAttributes(attribute.Bool("aggregated", aggregated)),
	)
}

// RecordMomentaryExposure counts one momentary exposure event.
func (m *Metrics) RecordMomentaryExposure(ctx context.Context, status string) {
	m.MomentaryExposures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCsdReset counts one reset attempt.
func (m *Metrics) RecordCsdReset(ctx context.Context, status string) {
	m.CsdResets.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
