// Package middleware provides statetransfer.Transport wrappers. The logging middleware
// traces every node to node call with its execution time; the OpenTelemetry ones emit
// spans and metrics for the same calls.
package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
)

// Logger describes a logging interface allowing to implement different external, or custom logger.
// Tested with zerolog through NewZerologLogger, but should work with any other logger that matches the interface.
type Logger interface {
	Printf(format string, v ...any)
}

// zerologLogger adapts a zerolog.Logger to Logger.
type zerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger returns a Logger writing debug events to l.
func NewZerologLogger(l zerolog.Logger) Logger { return zerologLogger{l: l} }

func (z zerologLogger) Printf(format string, v ...any) { z.l.Debug().Msgf(format, v...) }

// LoggingMiddleware is a middleware that logs the time it takes to execute the next transport.
// Must implement the statetransfer.Transport interface.
type LoggingMiddleware struct {
	next   statetransfer.Transport
	logger Logger
}

// NewLoggingMiddleware returns a new LoggingMiddleware.
func NewLoggingMiddleware(next statetransfer.Transport, logger Logger) statetransfer.Transport {
	return &LoggingMiddleware{next: next, logger: logger}
}

// RequestTransactions logs the time it takes to execute the next transport.
func (mw LoggingMiddleware) RequestTransactions(
	ctx context.Context,
	target cluster.NodeID,
	req statetransfer.StateRequest,
) ([]statetransfer.TransactionInfo, error) {
	defer func(begin time.Time) {
		mw.logger.Printf("method RequestTransactions took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("RequestTransactions method called with target: %s topology: %d segments: %v", target, req.TopologyID, req.Segments)

	txs, err := mw.next.RequestTransactions(ctx, target, req)
	if err != nil {
		mw.logger.Printf("RequestTransactions to %s failed: %v", target, err)
	}

	return txs, err
}

// RequestSegments logs the time it takes to execute the next transport.
func (mw LoggingMiddleware) RequestSegments(ctx context.Context, target cluster.NodeID, req statetransfer.StateRequest) error {
	defer func(begin time.Time) {
		mw.logger.Printf("method RequestSegments took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("RequestSegments method called with target: %s topology: %d segments: %v", target, req.TopologyID, req.Segments)

	err := mw.next.RequestSegments(ctx, target, req)
	if err != nil {
		mw.logger.Printf("RequestSegments to %s failed: %v", target, err)
	}

	return err
}

// CancelSegments logs the time it takes to execute the next transport.
func (mw LoggingMiddleware) CancelSegments(ctx context.Context, target cluster.NodeID, req statetransfer.StateRequest) error {
	defer func(begin time.Time) {
		mw.logger.Printf("method CancelSegments took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("CancelSegments method called with target: %s segments: %v", target, req.Segments)

	return mw.next.CancelSegments(ctx, target, req)
}

// PushState logs the time it takes to execute the next transport.
func (mw LoggingMiddleware) PushState(ctx context.Context, target cluster.NodeID, push statetransfer.StatePush) error {
	defer func(begin time.Time) {
		mw.logger.Printf("method PushState took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("PushState method called with target: %s chunks: %d", target, len(push.Chunks))

	err := mw.next.PushState(ctx, target, push)
	if err != nil {
		mw.logger.Printf("PushState to %s failed: %v", target, err)
	}

	return err
}
