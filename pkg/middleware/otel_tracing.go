package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
)

// OTelTracingMiddleware wraps statetransfer.Transport calls with OpenTelemetry client spans.
type OTelTracingMiddleware struct {
	next   statetransfer.Transport
	tracer trace.Tracer
	// static attributes applied to all spans
	commonAttrs []attribute.KeyValue
}

// OTelTracingOption allows configuring the tracing middleware.
type OTelTracingOption func(*OTelTracingMiddleware)

// WithCommonAttributes sets attributes applied to all spans.
func WithCommonAttributes(attributes ...attribute.KeyValue) OTelTracingOption {
	return func(m *OTelTracingMiddleware) { m.commonAttrs = append(m.commonAttrs, attributes...) }
}

// NewOTelTracingMiddleware creates a tracing middleware.
func NewOTelTracingMiddleware(next statetransfer.Transport, tracer trace.Tracer, opts ...OTelTracingOption) statetransfer.Transport {
	mw := &OTelTracingMiddleware{next: next, tracer: tracer}
	for _, o := range opts {
		o(mw)
	}

	return mw
}

// RequestTransactions implements Transport.RequestTransactions with tracing.
func (mw OTelTracingMiddleware) RequestTransactions(
	ctx context.Context,
	target cluster.NodeID,
	req statetransfer.StateRequest,
) ([]statetransfer.TransactionInfo, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.RequestTransactions", target, requestAttrs(req)...)
	defer span.End()

	txs, err := mw.next.RequestTransactions(ctx, target, req)
	span.SetAttributes(attribute.Int("transactions.count", len(txs)))
	recordErr(span, err)

	return txs, err
}

// RequestSegments implements Transport.RequestSegments with tracing.
func (mw OTelTracingMiddleware) RequestSegments(ctx context.Context, target cluster.NodeID, req statetransfer.StateRequest) error {
	ctx, span := mw.startSpan(ctx, "hypergrid.RequestSegments", target, requestAttrs(req)...)
	defer span.End()

	err := mw.next.RequestSegments(ctx, target, req)
	recordErr(span, err)

	return err
}

// CancelSegments implements Transport.CancelSegments with tracing.
func (mw OTelTracingMiddleware) CancelSegments(ctx context.Context, target cluster.NodeID, req statetransfer.StateRequest) error {
	ctx, span := mw.startSpan(ctx, "hypergrid.CancelSegments", target, requestAttrs(req)...)
	defer span.End()

	err := mw.next.CancelSegments(ctx, target, req)
	recordErr(span, err)

	return err
}

// PushState implements Transport.PushState with tracing.
func (mw OTelTracingMiddleware) PushState(ctx context.Context, target cluster.NodeID, push statetransfer.StatePush) error {
	ctx, span := mw.startSpan(
		ctx, "hypergrid.PushState", target,
		attribute.Int(attrs.AttrTopologyID, push.TopologyID),
		attribute.Int(attrs.AttrChunksCount, len(push.Chunks)),
		attribute.Int(attrs.AttrEntriesCount, countEntries(push)))
	defer span.End()

	err := mw.next.PushState(ctx, target, push)
	recordErr(span, err)

	return err
}

// startSpan starts a span with common and provided attributes.
func (mw OTelTracingMiddleware) startSpan(
	ctx context.Context,
	name string,
	target cluster.NodeID,
	attributes ...attribute.KeyValue,
) (context.Context, trace.Span) {
	ctx, span := mw.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	if len(mw.commonAttrs) > 0 {
		span.SetAttributes(mw.commonAttrs...)
	}

	span.SetAttributes(attribute.String(attrs.AttrNode, string(target)))

	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}

	return ctx, span
}

func requestAttrs(req statetransfer.StateRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(attrs.AttrTopologyID, req.TopologyID),
		attribute.Int(attrs.AttrSegmentsCount, len(req.Segments)),
	}
}

func recordErr(span trace.Span, err error) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
