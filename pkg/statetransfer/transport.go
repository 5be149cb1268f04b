package statetransfer

import (
	"context"
	"sync"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/internal/transport"
)

// Transport moves state transfer messages between nodes. Every call is bounded by the
// context deadline; an expired deadline is an ordinary failure.
type Transport interface {
	// RequestTransactions fetches the in-flight transactions of the segments from target.
	RequestTransactions(ctx context.Context, target cluster.NodeID, req StateRequest) ([]TransactionInfo, error)
	// RequestSegments asks target to start pushing the segments. It returns once target
	// accepted the request, not when the data arrived.
	RequestSegments(ctx context.Context, target cluster.NodeID, req StateRequest) error
	// CancelSegments tells target to stop pushing the segments.
	CancelSegments(ctx context.Context, target cluster.NodeID, req StateRequest) error
	// PushState delivers chunks to target.
	PushState(ctx context.Context, target cluster.NodeID, push StatePush) error
}

// Handler serves the state transfer messages a node receives.
type Handler interface {
	HandleStateRequest(ctx context.Context, req StateRequest) (StateResponse, error)
	HandleStatePush(ctx context.Context, push StatePush) error
}

// InProcessTransport routes calls to handlers registered in the same process.
type InProcessTransport struct {
	mu       sync.RWMutex
	handlers map[cluster.NodeID]Handler
}

// NewInProcessTransport creates an empty in-process transport.
func NewInProcessTransport() *InProcessTransport {
	return &InProcessTransport{handlers: map[cluster.NodeID]Handler{}}
}

// Register adds or replaces the handler of a node.
func (t *InProcessTransport) Register(id cluster.NodeID, h Handler) {
	t.mu.Lock()
	t.handlers[id] = h
	t.mu.Unlock()
}

// Unregister removes a node; later calls to it fail with ErrNodeNotFound.
func (t *InProcessTransport) Unregister(id cluster.NodeID) {
	t.mu.Lock()
	delete(t.handlers, id)
	t.mu.Unlock()
}

func (t *InProcessTransport) lookup(id cluster.NodeID) (Handler, error) {
	t.mu.RLock()
	h, ok := t.handlers[id]
	t.mu.RUnlock()

	if !ok {
		return nil, sentinel.ErrNodeNotFound
	}

	return h, nil
}

// RequestTransactions implements Transport.
func (t *InProcessTransport) RequestTransactions(ctx context.Context, target cluster.NodeID, req StateRequest) ([]TransactionInfo, error) {
	resp, err := t.request(ctx, target, req)
	if err != nil {
		return nil, transport.Wrap("request-transactions", string(target), err)
	}

	return resp.Transactions, nil
}

// RequestSegments implements Transport.
func (t *InProcessTransport) RequestSegments(ctx context.Context, target cluster.NodeID, req StateRequest) error {
	_, err := t.request(ctx, target, req)

	return transport.Wrap("request-segments", string(target), err)
}

// CancelSegments implements Transport.
func (t *InProcessTransport) CancelSegments(ctx context.Context, target cluster.NodeID, req StateRequest) error {
	_, err := t.request(ctx, target, req)

	return transport.Wrap("cancel-segments", string(target), err)
}

// PushState implements Transport.
func (t *InProcessTransport) PushState(ctx context.Context, target cluster.NodeID, push StatePush) error {
	h, err := t.lookup(target)
	if err != nil {
		return transport.Wrap("push-state", string(target), err)
	}

	if err := ctx.Err(); err != nil {
		return transport.Wrap("push-state", string(target), err)
	}

	return transport.Wrap("push-state", string(target), h.HandleStatePush(ctx, push))
}

func (t *InProcessTransport) request(ctx context.Context, target cluster.NodeID, req StateRequest) (StateResponse, error) {
	h, err := t.lookup(target)
	if err != nil {
		return StateResponse{}, err
	}

	if err := ctx.Err(); err != nil {
		return StateResponse{}, err
	}

	return h.HandleStateRequest(ctx, req)
}
