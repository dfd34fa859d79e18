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
	verifyDecisions   metric.Int64Counter
	trackOutcomes     metric.Int64Counter
	trackedRequests   metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
	rateLimitFailOpen metric.Int64Counter
	meterEnforce      metric.Int64Counter
	expired           metric.Int64Counter
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
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "railgate"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.verifyDecisions, "railgate_verify_total", "Entitlement verification decisions by reason."},
		{&m.trackOutcomes, "railgate_track_total", "Usage track calls by outcome."},
		{&m.trackedRequests, "railgate_tracked_requests_total", "Requests counted against entitlement quota."},
		{&m.rateLimitAllowed, "railgate_ratelimit_allowed_total", "Rate limit checks that were allowed."},
		{&m.rateLimitDenied, "railgate_ratelimit_denied_total", "Rate limit checks that were denied."},
		{&m.rateLimitFailOpen, "railgate_ratelimit_fail_open_total", "Rate limit checks allowed because the counter store failed."},
		{&m.meterEnforce, "railgate_meter_enforce_total", "Usage meter enforcement results by status."},
		{&m.expired, "railgate_entitlement_expired_total", "Entitlements deactivated after their validity window ended."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// RecordVerify counts a verification decision.
func (m *Metrics) RecordVerify(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.verifyDecisions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
	)...))
}

// RecordTrack counts a track call and, on success, the requests it consumed.
func (m *Metrics) RecordTrack(ctx context.Context, outcome string, requests int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))...)
	m.trackOutcomes.Add(ctx, 1, attrs)
	if requests > 0 {
		m.trackedRequests.Add(ctx, requests)
	}
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, algorithm, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("algorithm", strings.TrimSpace(algorithm)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, algorithm, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("algorithm", strings.TrimSpace(algorithm)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)...))
}

func (m *Metrics) RecordRateLimitFailOpen(ctx context.Context, algorithm string) {
	if m == nil {
		return
	}
	m.rateLimitFailOpen.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("algorithm", strings.TrimSpace(algorithm)),
	)...))
}

func (m *Metrics) RecordMeterEnforce(ctx context.Context, feature, status string) {
	if m == nil {
		return
	}
	m.meterEnforce.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("status", strings.TrimSpace(status)),
	)...))
}

func (m *Metrics) RecordExpired(ctx context.Context, source string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.expired.Add(ctx, count, metric.WithAttributes(FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
	)...))
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
	"reason":      {},
	"outcome":     {},
	"algorithm":   {},
	"endpoint":    {},
	"feature":     {},
	"status":      {},
	"source":      {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// User, service and entitlement identifiers never become labels.
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
