package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookEvents metric.Int64Counter
	transitions   metric.Int64Counter
	fulfillments  metric.Int64Counter
	keyReveals    metric.Int64Counter
	tamperAlerts  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "keymint"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("keymint_webhook_events_total")
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("keymint_status_transitions_total")
	if err != nil {
		return nil, err
	}
	fulfillments, err := meter.Int64Counter("keymint_fulfillments_total")
	if err != nil {
		return nil, err
	}
	keyReveals, err := meter.Int64Counter("keymint_key_reveals_total")
	if err != nil {
		return nil, err
	}
	tamperAlerts, err := meter.Int64Counter("keymint_tamper_alerts_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents: webhookEvents,
		transitions:   transitions,
		fulfillments:  fulfillments,
		keyReveals:    keyReveals,
		tamperAlerts:  tamperAlerts,
	}, nil
}

// RecordWebhookEvent increments inbound notification counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransition increments status transition counts.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_status", strings.TrimSpace(from)),
		attribute.String("to_status", strings.TrimSpace(to)),
	)
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFulfillment increments completed fulfillment counts.
func (m *Metrics) RecordFulfillment(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.fulfillments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordKeyReveal increments plaintext reveal counts.
func (m *Metrics) RecordKeyReveal(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.keyReveals.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTamperAlert increments AEAD verification failure counts.
func (m *Metrics) RecordTamperAlert(ctx context.Context) {
	if m == nil {
		return
	}
	m.tamperAlerts.Add(ctx, 1)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"outcome":     {},
	"from_status": {},
	"to_status":   {},
	"source":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
