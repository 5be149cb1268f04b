package statetransfer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
)

const meterName = "github.com/hyp3rd/hypergrid/statetransfer"

// metrics holds the state transfer instruments.
type metrics struct {
	chunksApplied   metric.Int64Counter
	entriesApplied  metric.Int64Counter
	entriesSkipped  metric.Int64Counter
	chunksDiscarded metric.Int64Counter
	segmentsPulled  metric.Int64Counter
	segmentsLost    metric.Int64Counter
	requestFailures metric.Int64Counter
	chunksSent      metric.Int64Counter
	rebalances      metric.Int64Counter

	common []attribute.KeyValue
}

func newMetrics(meter metric.Meter, cache string) *metrics {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}

	m := &metrics{common: []attribute.KeyValue{attribute.String("cache", cache)}}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&m.chunksApplied, "hypergrid.statetransfer.chunks.applied"},
		{&m.entriesApplied, "hypergrid.statetransfer.entries.applied"},
		{&m.entriesSkipped, "hypergrid.statetransfer.entries.skipped"},
		{&m.chunksDiscarded, "hypergrid.statetransfer.chunks.discarded"},
		{&m.segmentsPulled, "hypergrid.statetransfer.segments.requested"},
		{&m.segmentsLost, "hypergrid.statetransfer.segments.lost"},
		{&m.requestFailures, "hypergrid.statetransfer.requests.failed"},
		{&m.chunksSent, "hypergrid.statetransfer.chunks.sent"},
		{&m.rebalances, "hypergrid.statetransfer.rebalances.completed"},
	}

	fallback := noop.NewMeterProvider().Meter(meterName)

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			counter, _ = fallback.Int64Counter(c.name)
		}

		*c.dst = counter
	}

	return m
}

func (m *metrics) add(ctx context.Context, c metric.Int64Counter, n int, kv ...attribute.KeyValue) {
	if n == 0 {
		return
	}

	all := append(append([]attribute.KeyValue{}, m.common...), kv...)
	c.Add(ctx, int64(n), metric.WithAttributes(all...))
}

func sourceAttr(node string) attribute.KeyValue { return attribute.String(attrs.AttrNode, node) }
