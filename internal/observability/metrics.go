package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds OTel metric instruments for workflow stream consumption and
// recovery. A nil *Metrics is valid and records nothing.
type Metrics struct {
	StreamEvents    metric.Int64Counter
	Reconnects      metric.Int64Counter
	Resets          metric.Int64Counter
	Loops           metric.Int64Counter
	RecoveryActions metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("bidops")

	streamEvents, err := meter.Int64Counter("bidops.stream.events",
		metric.WithDescription("Workflow stream events received"),
	)
	if err != nil {
		return nil, err
	}

	reconnects, err := meter.Int64Counter("bidops.stream.reconnects",
		metric.WithDescription("Scheduled stream reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	resets, err := meter.Int64Counter("bidops.navigation.resets",
		metric.WithDescription("Progress resets applied to local state"),
	)
	if err != nil {
		return nil, err
	}

	loops, err := meter.Int64Counter("bidops.navigation.loops",
		metric.WithDescription("Reset loops escalated to manual intervention"),
	)
	if err != nil {
		return nil, err
	}

	recoveryActions, err := meter.Int64Counter("bidops.recovery.actions",
		metric.WithDescription("Error actions produced by the recovery policy"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		StreamEvents:    streamEvents,
		Reconnects:      reconnects,
		Resets:          resets,
		Loops:           loops,
		RecoveryActions: recoveryActions,
	}, nil
}

// RecordStreamEvent records one received event.
func (m *Metrics) RecordStreamEvent(ctx context.Context, eventType, category string) {
	if m == nil {
		return
	}
	m.StreamEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", eventType),
			attribute.String("category", category),
		),
	)
}

// RecordReconnect records a scheduled reconnect.
func (m *Metrics) RecordReconnect(ctx context.Context, attempt int) {
	if m == nil {
		return
	}
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

// RecordReset records an applied progress reset.
func (m *Metrics) RecordReset(ctx context.Context, target, reason string) {
	if m == nil {
		return
	}
	m.Resets.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("target", target),
			attribute.String("reason", reason),
		),
	)
}

// RecordLoop records a suppressed reset loop.
func (m *Metrics) RecordLoop(ctx context.Context, target, reason string) {
	if m == nil {
		return
	}
	m.Loops.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("target", target),
			attribute.String("reason", reason),
		),
	)
}

// RecordRecoveryAction records a produced error action.
func (m *Metrics) RecordRecoveryAction(ctx context.Context, agent, action string) {
	if m == nil {
		return
	}
	m.RecoveryActions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent", agent),
			attribute.String("action", action),
		),
	)
}

// InitMeterProvider installs a meter provider backed by the Prometheus
// exporter and returns the scrape handler plus a shutdown function.
func InitMeterProvider() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("otel: create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return promhttp.Handler(), provider.Shutdown, nil
}
