package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/Shivanand-hulikatti/ticket-queue"

// Metrics are the lifecycle counters of the engine.
type Metrics struct {
	OffersGranted   metric.Int64Counter
	EntriesWaiting  metric.Int64Counter
	OffersExpired   metric.Int64Counter
	OffersPromoted  metric.Int64Counter
	TicketsIssued   metric.Int64Counter
	FinalizeReplays metric.Int64Counter
	TxConflicts     metric.Int64Counter
}

// NewMetrics registers the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(meterName))
}

// NopMetrics returns counters that record nothing.
func NopMetrics() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.OffersGranted, "queue.offers.granted", "Entries admitted directly as offered"},
		{&m.EntriesWaiting, "queue.entries.waiting", "Entries admitted as waiting"},
		{&m.OffersExpired, "queue.offers.expired", "Offers moved to expired"},
		{&m.OffersPromoted, "queue.offers.promoted", "Waiting entries promoted to offered"},
		{&m.TicketsIssued, "queue.tickets.issued", "Tickets created by purchase finalization"},
		{&m.FinalizeReplays, "queue.finalize.replays", "Finalize calls answered from an existing ticket"},
		{&m.TxConflicts, "queue.tx.conflicts", "Operations that exhausted their conflict retries"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// Inc adds one to counter tagged with the event id.
func Inc(ctx context.Context, counter metric.Int64Counter, eventID string) {
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_id", eventID)))
}
