// Package hypergrid runs a node of a distributed in-memory data grid. Keys are split into
// segments, every segment is owned by a few nodes, and on every topology change the
// nodes gaining a segment pull it from a node that already owns it while reads and
// writes go on.
//
// A Node wires the pieces of pkg/statetransfer (consumer, provider) to a local container,
// the write pipeline and optional persistent store of pkg/backend, a transport (HTTP by
// default) and a worker pool. Topologies come from outside: a LocalCoordinator for
// nodes living in the same process, or any external coordinator through Install.
package hypergrid

import (
	"cmp"
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/dist"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/backend"
	"github.com/hyp3rd/hypergrid/pkg/backend/redis"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/middleware"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
)

// handlerRegistrar is implemented by transports that deliver to in-process handlers.
type handlerRegistrar interface {
	Register(id cluster.NodeID, h statetransfer.Handler)
	Unregister(id cluster.NodeID)
}

// Node is one member of the grid.
type Node struct {
	id     cluster.NodeID
	cfg    dist.Config
	logger zerolog.Logger

	data     *container.Container
	pipeline *backend.LocalPipeline
	store    statetransfer.LocalStore
	closers  []func() error
	txTable  *backend.MemoryTxTable
	pool     *WorkerPool

	transport   statetransfer.Transport
	httpClient  *backend.DistHTTPTransport
	httpServer  *backend.DistHTTPServer
	peers       *cluster.Membership
	coordinator statetransfer.Coordinator
	selector    statetransfer.SourceSelector
	listeners   []statetransfer.RehashListener
	meter       metric.Meter
	tracer      trace.Tracer

	consumer   *statetransfer.Consumer
	provider   *statetransfer.Provider
	dispatcher *statetransfer.Dispatcher

	mgmt     *ManagementHTTPServer
	mgmtOpts []ManagementHTTPOption
}

// NewNode builds a node from cfg. Nothing listens until Start.
func NewNode(ctx context.Context, cfg dist.Config, opts ...Option) (*Node, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "node id")
	}

	n := &Node{
		id:     cluster.NodeID(cfg.NodeID),
		cfg:    cfg,
		logger: zerolog.Nop(),
		data:   container.New(),
		peers:  cluster.NewMembership(),
	}

	for _, o := range opts {
		o(n)
	}

	n.logger = n.logger.With().Str("node", cfg.NodeID).Str("cache", cfg.CacheName).Logger()

	err = n.loadPeers()
	if err != nil {
		return nil, err
	}

	err = n.openStore(ctx)
	if err != nil {
		return nil, err
	}

	n.pipeline = backend.NewLocalPipeline(n.data,
		backend.WithPipelineStore(n.store),
		backend.WithPipelineLogger(n.logger),
	)

	if n.transport == nil {
		n.httpClient = backend.NewDistHTTPTransport(cfg.StateTransferTimeout, n.resolve)
		n.httpServer = backend.NewDistHTTPServer(cfg.BindAddr)
		n.transport = n.httpClient
	}

	tr, err := n.wrapTransport(n.transport)
	if err != nil {
		return nil, err
	}

	n.pool = NewWorkerPool(cfg.PoolSize)

	stOpts := n.stateTransferOptions()

	n.consumer = statetransfer.NewConsumer(n.id, n.data, n.pipeline, tr, stOpts...)
	n.provider = statetransfer.NewProvider(n.id, n.data, tr, stOpts...)
	n.dispatcher = statetransfer.NewDispatcher(n.consumer, n.provider)

	if reg, ok := n.transport.(handlerRegistrar); ok {
		reg.Register(n.id, n.dispatcher)
	}

	return n, nil
}

func (n *Node) stateTransferOptions() []statetransfer.Option {
	cfg := n.cfg

	opts := []statetransfer.Option{
		statetransfer.WithCacheName(cfg.CacheName),
		statetransfer.WithLogger(n.logger),
		statetransfer.WithTimeout(cfg.StateTransferTimeout),
		statetransfer.WithTopologyWait(cfg.TopologyWaitTimeout),
		statetransfer.WithChunkSize(cfg.ChunkSize),
		statetransfer.WithChunkBytes(cfg.ChunkBytes),
		statetransfer.WithSendRate(cfg.SendRateLimit),
		statetransfer.WithExecutor(n.pool),
		statetransfer.WithFetchState(cfg.FetchInMemoryState),
		statetransfer.WithVersionedWrites(cfg.Versioned),
		// consumer and provider must see the same installed topologies
		statetransfer.WithTopologyWaiter(statetransfer.NewTopologyWaiter()),
	}

	if n.store != nil {
		opts = append(opts, statetransfer.WithStore(n.store))
	}

	if cfg.Transactional {
		n.txTable = backend.NewMemoryTxTable()
		opts = append(opts, statetransfer.WithTransactionTable(n.txTable))
	}

	if n.coordinator != nil {
		opts = append(opts, statetransfer.WithCoordinator(n.coordinator))
	}

	if n.selector != nil {
		opts = append(opts, statetransfer.WithSourceSelector(n.selector))
	}

	if n.meter != nil {
		opts = append(opts, statetransfer.WithMeter(n.meter))
	}

	for _, l := range n.listeners {
		opts = append(opts, statetransfer.WithRehashListener(l))
	}

	return opts
}

func (n *Node) wrapTransport(tr statetransfer.Transport) (statetransfer.Transport, error) {
	if n.meter != nil {
		metered, err := middleware.NewOTelMetricsMiddleware(tr, n.meter)
		if err != nil {
			return nil, ewrap.Wrap(err, "transport metrics")
		}

		tr = metered
	}

	if n.tracer != nil {
		tr = middleware.NewOTelTracingMiddleware(tr, n.tracer)
	}

	return middleware.NewLoggingMiddleware(tr, middleware.NewZerologLogger(n.logger)), nil
}

// loadPeers fills the address book from the configured peers ("id=host:port").
func (n *Node) loadPeers() error {
	if n.cfg.AdvertiseAddr != "" || n.cfg.BindAddr != "" {
		addr := n.cfg.AdvertiseAddr
		if addr == "" {
			addr = n.cfg.BindAddr
		}

		n.peers.Upsert(cluster.NewNode(n.cfg.NodeID, addr))
	}

	for _, p := range n.cfg.Peers {
		id, addr, ok := strings.Cut(p, "=")
		if !ok {
			return ewrap.Newf("invalid peer %q, want id=host:port", p)
		}

		peer := cluster.NewNode(strings.TrimSpace(id), strings.TrimSpace(addr))

		err := peer.Validate()
		if err != nil {
			return err
		}

		n.peers.Upsert(peer)
	}

	return nil
}

func (n *Node) resolve(id string) (string, bool) {
	peer, ok := n.peers.Get(cluster.NodeID(id))
	if !ok || peer.State == cluster.NodeDead {
		return "", false
	}

	return "http://" + peer.Address, true
}

func (n *Node) openStore(ctx context.Context) error {
	if n.store != nil {
		return nil
	}

	switch n.cfg.Store {
	case constants.StorePebble:
		s, err := backend.OpenPebbleStore(n.cfg.PebblePath)
		if err != nil {
			return err
		}

		n.store = s
		n.closers = append(n.closers, s.Close)

	case constants.StoreRedis:
		conn, err := redis.New(ctx, redisOptions(n.cfg)...)
		if err != nil {
			return err
		}

		s, err := backend.NewRedisStore(conn.Client, backend.WithShared(n.cfg.StoreShared))
		if err != nil {
			_ = conn.Close()

			return err
		}

		n.store = s
		n.closers = append(n.closers, conn.Close)
	}

	return nil
}

// redisOptions maps the redis settings of cfg. Unset ones keep the client defaults.
func redisOptions(cfg dist.Config) []redis.Option {
	opts := []redis.Option{redis.WithAddr(cfg.RedisAddr)}

	if cfg.RedisPassword != "" {
		opts = append(opts, redis.WithPassword(cfg.RedisPassword))
	}

	if cfg.RedisDB > 0 {
		opts = append(opts, redis.WithDB(cfg.RedisDB))
	}

	if cfg.RedisPoolSize > 0 {
		opts = append(opts, redis.WithPoolSize(cfg.RedisPoolSize))
	}

	if cfg.RedisDialTimeout > 0 || cfg.RedisReadTimeout > 0 || cfg.RedisWriteTimeout > 0 {
		opts = append(opts, redis.WithTimeouts(
			cmp.Or(cfg.RedisDialTimeout, constants.RedisDialTimeout),
			cmp.Or(cfg.RedisReadTimeout, constants.RedisClientReadTimeout),
			cmp.Or(cfg.RedisWriteTimeout, constants.RedisClientWriteTimeout),
		))
	}

	if cfg.RedisTLS {
		opts = append(opts, redis.WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	return opts
}

// Start serves state transfer RPCs (HTTP transport only) and the management endpoints
// when configured.
func (n *Node) Start(ctx context.Context) error {
	if n.httpServer != nil {
		err := n.httpServer.Start(ctx, n.dispatcher)
		if err != nil {
			return err
		}

		n.logger.Info().Str("addr", n.httpServer.Addr()).Msg("state transfer server started")
	}

	if n.cfg.MgmtAddr != "" {
		n.mgmt = NewManagementHTTPServer(n.cfg.MgmtAddr, n.mgmtOpts...)

		err := n.mgmt.Start(ctx, n)
		if err != nil {
			return err
		}

		n.logger.Info().Str("addr", n.mgmt.Address()).Msg("management server started")
	}

	return nil
}

// Install applies a new topology: the provider first, so it can serve requests for it,
// then the consumer.
func (n *Node) Install(ctx context.Context, top *cluster.Topology, isRebalance bool) error {
	n.provider.OnTopologyUpdate(top, isRebalance)

	return n.consumer.OnTopologyUpdate(ctx, top, isRebalance)
}

// Put writes key locally. The node must own the key under the write topology.
func (n *Node) Put(ctx context.Context, key string, value any, lifespan time.Duration) error {
	e := container.NewEntry(key, value)
	e.Metadata.Lifespan = lifespan
	e.Metadata.Origin = string(n.id)
	e.Metadata.Version = uint64(e.Metadata.Created.UnixNano())

	return n.consumer.WithTopology(func(top *cluster.Topology) error {
		if !n.ownsKey(top, key) {
			return ewrap.Wrapf(sentinel.ErrNotOwner, "key %q", key)
		}

		_, err := n.pipeline.ApplyPut(ctx, e, 0)

		return err
	})
}

// Get reads the local copy of key.
func (n *Node) Get(ctx context.Context, key string) (any, bool, error) {
	e, ok, err := n.pipeline.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	if e.Expired(time.Now()) {
		return nil, false, nil
	}

	return e.Value, true, nil
}

// Remove deletes key. The node must own the key under the write topology.
func (n *Node) Remove(ctx context.Context, key string) (bool, error) {
	var removed bool

	err := n.consumer.WithTopology(func(top *cluster.Topology) error {
		if !n.ownsKey(top, key) {
			return ewrap.Wrapf(sentinel.ErrNotOwner, "key %q", key)
		}

		var err error

		removed, err = n.pipeline.Remove(ctx, key)

		return err
	})

	return removed, err
}

// Owners returns the read and write owners of key under the installed topology.
func (n *Node) Owners(key string) (read, write []cluster.NodeID, err error) {
	err = n.consumer.WithTopology(func(top *cluster.Topology) error {
		seg := top.SegmentFor(key)
		read = top.ReadCH.OwnersOf(seg)
		write = top.WriteCH.OwnersOf(seg)

		return nil
	})

	return read, write, err
}

func (n *Node) ownsKey(top *cluster.Topology, key string) bool {
	return cluster.ContainsNode(top.WriteCH.OwnersOf(top.SegmentFor(key)), n.id)
}

// ID returns the node id.
func (n *Node) ID() cluster.NodeID { return n.id }

// Addr returns the address the state transfer server is bound to, empty when the node
// uses another transport or is not started.
func (n *Node) Addr() string { return n.httpServer.Addr() }

// ManagementAddr returns the bound management address, empty if not started.
func (n *Node) ManagementAddr() string {
	if n.mgmt == nil {
		return ""
	}

	return n.mgmt.Address()
}

// Config returns the node configuration.
func (n *Node) Config() dist.Config { return n.cfg }

// Topology returns the installed topology, nil before the first one.
func (n *Node) Topology() *cluster.Topology { return n.consumer.CacheTopology() }

// Len returns the number of entries held in memory.
func (n *Node) Len() int { return n.data.Len() }

// Consumer exposes the state consumer of the node.
func (n *Node) Consumer() *statetransfer.Consumer { return n.consumer }

// Provider exposes the state provider of the node.
func (n *Node) Provider() *statetransfer.Provider { return n.provider }

// Handler returns the handler serving state transfer messages for this node.
func (n *Node) Handler() statetransfer.Handler { return n.dispatcher }

// Transactions returns the transaction table, nil unless the node is transactional.
func (n *Node) Transactions() *backend.MemoryTxTable { return n.txTable }

// Peers returns the address book used by the HTTP transport.
func (n *Node) Peers() *cluster.Membership { return n.peers }

// IsRebalanceInProgress reports whether a rebalance is not finished locally.
func (n *Node) IsRebalanceInProgress() bool { return n.consumer.IsRebalanceInProgress() }

// NodeStatus is the state transfer view served by the management endpoint.
type NodeStatus struct {
	statetransfer.Status

	Entries  int                      `json:"entries"`
	Outbound map[cluster.NodeID][]int `json:"outboundByDestination"`
	Latency  *backend.LatencySnapshot `json:"transportLatency,omitempty"`
	Workers  int                      `json:"workers"`
}

// Status returns a snapshot of the node.
func (n *Node) Status() NodeStatus {
	st := NodeStatus{
		Status:   n.consumer.Status(),
		Entries:  n.data.Len(),
		Outbound: n.provider.OutboundTransfers(),
		Workers:  n.pool.Size(),
	}

	if n.httpClient != nil {
		lat := n.httpClient.Latency()
		st.Latency = &lat
	}

	return st
}

// Stop cancels every transfer, drains the pool and releases the servers and the store.
func (n *Node) Stop(ctx context.Context) error {
	n.consumer.Stop()
	n.provider.Stop()
	n.pool.Shutdown()

	if reg, ok := n.transport.(handlerRegistrar); ok {
		reg.Unregister(n.id)
	}

	var firstErr error

	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if n.mgmt != nil {
		keep(n.mgmt.Shutdown(ctx))
	}

	if n.httpServer != nil {
		keep(n.httpServer.Stop(ctx))
	}

	for _, c := range n.closers {
		keep(c())
	}

	if firstErr != nil {
		n.logger.Error().Err(firstErr).Msg("node stop")
	}

	return firstErr
}

// hashOptions returns the hash options matching cfg.
func hashOptions(cfg dist.Config) []cluster.HashOption {
	seg := cluster.XXHashSegmenter
	if cfg.Segmenter == "crc16" {
		seg = cluster.CRC16Segmenter
	}

	return []cluster.HashOption{
		cluster.WithSegmenter(seg),
		cluster.WithHashVirtualNodes(cfg.VirtualNodes),
	}
}

// NewPlanner returns the topology planner matching cfg.
func NewPlanner(cfg dist.Config) *cluster.Planner {
	return cluster.NewPlanner(cfg.NumSegments, cfg.NumOwners, hashOptions(cfg)...)
}
