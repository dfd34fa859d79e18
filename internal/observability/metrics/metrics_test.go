package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("reason", "QUOTA_EXCEEDED"),
		attribute.String("user_id", "456"),
		attribute.String("entitlement_id", "789"),
		attribute.String("algorithm", "token_bucket"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "user_id" || attr.Key == "entitlement_id" {
			t.Fatalf("unexpected high-cardinality label %s", attr.Key)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordVerify(ctx, "ALLOWED")
	m.RecordTrack(ctx, "success", 1)
	m.RecordRateLimitFailOpen(ctx, "fixed_window")
	m.RecordExpired(ctx, "verify", 1)
}

func TestNewRegistersInstruments(t *testing.T) {
	m, err := New(Config{ServiceName: "railgate-test"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.RecordVerify(ctx, "ALLOWED")
	m.RecordMeterEnforce(ctx, "exports", "warning")
	m.RecordExpired(ctx, "sweeper", 3)
}
