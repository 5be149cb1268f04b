package hypergrid

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
)

// Option is a function type that can be used to configure a `Node`.
type Option func(*Node)

// WithLogger sets the logger shared by the node and its state transfer components.
func WithLogger(l zerolog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithTransport replaces the HTTP transport, for example with an in-process one. A
// transport able to register handlers gets the node registered on construction.
func WithTransport(t statetransfer.Transport) Option {
	return func(n *Node) { n.transport = t }
}

// WithStore sets the persistent store behind the container. It takes precedence over
// the store configured in dist.Config.
func WithStore(store statetransfer.LocalStore) Option {
	return func(n *Node) { n.store = store }
}

// WithCoordinator sets who is told when the node finished receiving a rebalance.
func WithCoordinator(c statetransfer.Coordinator) Option {
	return func(n *Node) { n.coordinator = c }
}

// WithMeter records state transfer and transport metrics with m.
func WithMeter(m metric.Meter) Option {
	return func(n *Node) { n.meter = m }
}

// WithTracer traces transport calls with t.
func WithTracer(t trace.Tracer) Option {
	return func(n *Node) { n.tracer = t }
}

// WithRehashListener registers a listener for data rehashed events.
func WithRehashListener(l statetransfer.RehashListener) Option {
	return func(n *Node) { n.listeners = append(n.listeners, l) }
}

// WithSourceSelector changes the order owners are pulled from.
func WithSourceSelector(sel statetransfer.SourceSelector) Option {
	return func(n *Node) { n.selector = sel }
}

// WithManagementOptions configures the management HTTP server started when
// dist.Config.MgmtAddr is set.
func WithManagementOptions(opts ...ManagementHTTPOption) Option {
	return func(n *Node) { n.mgmtOpts = append(n.mgmtOpts, opts...) }
}
