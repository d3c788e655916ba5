package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/quillstone/relay"

// relayMeters holds the instrument handles used by the core packages.
type relayMeters struct {
	published   metric.Int64Counter
	confirmed   metric.Int64Counter
	dispatched  metric.Int64Counter
	handled     metric.Int64Counter
	rescheduled metric.Int64Counter
}

var (
	meters     *relayMeters
	metersOnce sync.Once
)

func instruments() *relayMeters {
	metersOnce.Do(func() {
		meter := otel.Meter(meterName)
		meters = &relayMeters{}
		meters.published, _ = meter.Int64Counter("relay_events_published",
			metric.WithDescription("payloads handed to the broker adapter"))
		meters.confirmed, _ = meter.Int64Counter("relay_events_confirmed",
			metric.WithDescription("schedule entries closed by broker confirmation"))
		meters.dispatched, _ = meter.Int64Counter("relay_events_dispatched",
			metric.WithDescription("dispatch attempts recorded before handler execution"))
		meters.handled, _ = meter.Int64Counter("relay_events_handled",
			metric.WithDescription("handler completions recorded, by guarantee"))
		meters.rescheduled, _ = meter.Int64Counter("relay_events_rescheduled",
			metric.WithDescription("failed deliveries re-queued through the outbox"))
	})
	return meters
}

// CountPublished records one payload sent towards the broker.
func CountPublished(ctx context.Context, subject string) {
	instruments().published.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}

// CountConfirmed records one confirmed (closed) schedule entry.
func CountConfirmed(ctx context.Context, subject string) {
	instruments().confirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}

// CountDispatched records one dispatch attempt.
func CountDispatched(ctx context.Context, subject string) {
	instruments().dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}

// CountHandled records one completed handler run under a guarantee.
func CountHandled(ctx context.Context, subject, guarantee string) {
	instruments().handled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("guarantee", guarantee),
	))
}

// CountRescheduled records one failed delivery re-queued with a delay.
func CountRescheduled(ctx context.Context, subject string) {
	instruments().rescheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}
