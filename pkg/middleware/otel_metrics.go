package middleware

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
)

// OTelMetricsMiddleware emits OpenTelemetry metrics for transport calls.
type OTelMetricsMiddleware struct {
	next  statetransfer.Transport
	meter metric.Meter

	// instruments
	calls     metric.Int64Counter
	durations metric.Float64Histogram
	entries   metric.Int64Counter
}

// NewOTelMetricsMiddleware constructs a metrics middleware using the provided meter.
func NewOTelMetricsMiddleware(next statetransfer.Transport, meter metric.Meter) (statetransfer.Transport, error) {
	calls, err := meter.Int64Counter("hypergrid.transport.calls")
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}

	durations, err := meter.Float64Histogram("hypergrid.transport.duration.ms")
	if err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}

	entries, err := meter.Int64Counter("hypergrid.transport.entries.pushed")
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}

	return &OTelMetricsMiddleware{next: next, meter: meter, calls: calls, durations: durations, entries: entries}, nil
}

// RequestTransactions implements Transport.RequestTransactions with metrics.
func (mw *OTelMetricsMiddleware) RequestTransactions(
	ctx context.Context,
	target cluster.NodeID,
	req statetransfer.StateRequest,
) ([]statetransfer.TransactionInfo, error) {
	start := time.Now()
	txs, err := mw.next.RequestTransactions(ctx, target, req)
	mw.rec(ctx, "RequestTransactions", target, start, err, attribute.Int(attrs.AttrSegmentsCount, len(req.Segments)))

	return txs, err
}

// RequestSegments implements Transport.RequestSegments with metrics.
func (mw *OTelMetricsMiddleware) RequestSegments(ctx context.Context, target cluster.NodeID, req statetransfer.StateRequest) error {
	start := time.Now()
	err := mw.next.RequestSegments(ctx, target, req)
	mw.rec(ctx, "RequestSegments", target, start, err, attribute.Int(attrs.AttrSegmentsCount, len(req.Segments)))

	return err
}

// CancelSegments implements Transport.CancelSegments with metrics.
func (mw *OTelMetricsMiddleware) CancelSegments(ctx context.Context, target cluster.NodeID, req statetransfer.StateRequest) error {
	start := time.Now()
	err := mw.next.CancelSegments(ctx, target, req)
	mw.rec(ctx, "CancelSegments", target, start, err, attribute.Int(attrs.AttrSegmentsCount, len(req.Segments)))

	return err
}

// PushState implements Transport.PushState with metrics.
func (mw *OTelMetricsMiddleware) PushState(ctx context.Context, target cluster.NodeID, push statetransfer.StatePush) error {
	start := time.Now()
	err := mw.next.PushState(ctx, target, push)

	n := countEntries(push)
	mw.rec(ctx, "PushState", target, start, err, attribute.Int(attrs.AttrChunksCount, len(push.Chunks)))

	if err == nil {
		mw.entries.Add(ctx, int64(n), metric.WithAttributes(attribute.String(attrs.AttrNode, string(target))))
	}

	return err
}

// rec records call count and duration with attributes.
func (mw *OTelMetricsMiddleware) rec(
	ctx context.Context,
	method string,
	target cluster.NodeID,
	start time.Time,
	err error,
	extra ...attribute.KeyValue,
) {
	base := []attribute.KeyValue{
		attribute.String(attrs.AttrOperation, method),
		attribute.String(attrs.AttrNode, string(target)),
		attribute.String(attrs.AttrOutcome, outcome(err)),
	}
	if len(extra) > 0 {
		base = append(base, extra...)
	}

	mw.calls.Add(ctx, 1, metric.WithAttributes(base...))
	mw.durations.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(base...))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}

func countEntries(push statetransfer.StatePush) int {
	n := 0
	for _, c := range push.Chunks {
		n += len(c.Entries)
	}

	return n
}
