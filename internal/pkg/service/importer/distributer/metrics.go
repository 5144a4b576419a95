package distributer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/keboola/channel-distributer/internal/pkg/telemetry"
)

const meterName = "github.com/keboola/channel-distributer/distributer"

type metrics struct {
	published       metric.Int64Counter
	delivered       metric.Int64Counter
	registryRetries metric.Int64Counter
	computeDuration metric.Float64Histogram
}

func newMetrics(provider metric.MeterProvider) *metrics {
	meter := provider.Meter(meterName)
	return &metrics{
		published:       telemetry.Counter(meter, "distributer.assignment.published", "Number of published assignment epochs.", "{epoch}"),
		delivered:       telemetry.Counter(meter, "distributer.notification.delivered", "Number of channel changes delivered to callbacks.", "{change}"),
		registryRetries: telemetry.Counter(meter, "distributer.registry.retries", "Number of retried registry writes.", "{retry}"),
		computeDuration: telemetry.Histogram(meter, "distributer.assignment.duration", "Duration of the assignment computation.", "ms"),
	}
}

func (m *metrics) Published(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *metrics) Delivered(ctx context.Context, topic string) {
	m.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *metrics) RegistryRetry(ctx context.Context, topic string) {
	m.registryRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *metrics) Computed(ctx context.Context, topic string, d time.Duration) {
	m.computeDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attribute.String("topic", topic)))
}
