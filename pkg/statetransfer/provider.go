package statetransfer

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Provider serves the state requests of other nodes: it hands out in-flight
// transactions and runs one outbound task per request.
type Provider struct {
	self      cluster.NodeID
	cfg       settings
	data      DataContainer
	transport Transport
	logger    zerolog.Logger
	metrics   *metrics
	limiter   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	topology  *cluster.Topology
	transfers map[cluster.NodeID][]*OutboundTransferTask
}

// NewProvider creates a provider reading from data.
func NewProvider(self cluster.NodeID, data DataContainer, transport Transport, opts ...Option) *Provider {
	cfg := applyOptions(opts)

	ctx, cancel := context.WithCancel(context.Background())

	p := &Provider{
		self:      self,
		cfg:       cfg,
		data:      data,
		transport: transport,
		logger:    cfg.logger.With().Str("component", "state-provider").Str("cache", cfg.cache).Str("node", string(self)).Logger(),
		metrics:   newMetrics(cfg.meter, cfg.cache),
		ctx:       ctx,
		cancel:    cancel,
		transfers: map[cluster.NodeID][]*OutboundTransferTask{},
	}

	if cfg.sendRate != rate.Inf {
		p.limiter = rate.NewLimiter(cfg.sendRate, 1)
	}

	return p
}

// Waiter returns the topology waiter the provider blocks on.
func (p *Provider) Waiter() *TopologyWaiter { return p.cfg.waiter }

// OnTopologyUpdate records the topology and cancels the transfers to nodes that left.
// Topologies older than the installed one are ignored.
func (p *Provider) OnTopologyUpdate(top *cluster.Topology, isRebalance bool) {
	var stale []*OutboundTransferTask

	p.mu.Lock()
	if p.topology != nil && top.ID < p.topology.ID {
		installed := p.topology.ID
		p.mu.Unlock()
		p.logger.Warn().Int("topology", top.ID).Int("installed", installed).Msg("ignoring stale topology")

		return
	}

	p.topology = top
	p.cfg.waiter.Installed(top.ID)

	for dest, list := range p.transfers {
		if !top.IsMember(dest) {
			stale = append(stale, list...)
		}
	}
	p.mu.Unlock()

	p.logger.Debug().Int("topology", top.ID).Bool("rebalance", isRebalance).Int("cancelled", len(stale)).Msg("topology updated")

	for _, task := range stale {
		task.Cancel()
	}
}

// HandleRequest serves a state request after the requested topology is installed.
func (p *Provider) HandleRequest(ctx context.Context, req StateRequest) (StateResponse, error) {
	if req.Type == CancelSegments {
		p.CancelOutboundTransfer(req.Origin, req.TopologyID, cluster.NewSegmentSet(req.Segments...))

		return StateResponse{}, nil
	}

	wctx, cancel := context.WithTimeout(ctx, p.cfg.topologyWait)
	defer cancel()

	if err := p.cfg.waiter.Wait(wctx, req.TopologyID); err != nil {
		return StateResponse{}, err
	}

	switch req.Type {
	case GetTransactions:
		txs, err := p.TransactionsForSegments(req.Origin, req.TopologyID, cluster.NewSegmentSet(req.Segments...))
		if err != nil {
			return StateResponse{}, err
		}

		return StateResponse{Transactions: txs}, nil

	case GetSegments:
		return StateResponse{}, p.StartOutboundTransfer(ctx, req.Origin, req.TopologyID, cluster.NewSegmentSet(req.Segments...))

	default:
		return StateResponse{}, ewrap.Newf("unknown state request type %d", req.Type)
	}
}

// TransactionsForSegments returns the transactions touching the segments.
func (p *Provider) TransactionsForSegments(dest cluster.NodeID, topologyID int, segments cluster.SegmentSet) ([]TransactionInfo, error) {
	top := p.currentTopology()
	if top == nil {
		return nil, sentinel.ErrTopologyMissing
	}

	if p.cfg.txTable == nil {
		return nil, nil
	}

	txs := p.cfg.txTable.InFlight(segments, top.ReadCH.SegmentFor)

	p.logger.Debug().Str("destination", string(dest)).Int("topology", topologyID).Int("transactions", len(txs)).Msg("sending transactions")

	return txs, nil
}

// StartOutboundTransfer starts streaming segments to dest. Segments already being sent
// to dest by an older task are cancelled there first. Waiting for a free worker is
// bounded by ctx and the state transfer timeout; the transfer itself outlives ctx.
func (p *Provider) StartOutboundTransfer(ctx context.Context, dest cluster.NodeID, topologyID int, segments cluster.SegmentSet) error {
	top := p.currentTopology()
	if top == nil {
		return sentinel.ErrTopologyMissing
	}

	if segments.Empty() {
		return sentinel.ErrInvalidSegments
	}

	p.CancelOutboundTransfer(dest, topologyID, segments)

	var store LocalStore
	if p.cfg.store != nil && !p.cfg.store.Shared() {
		store = p.cfg.store
	}

	task := &OutboundTransferTask{
		id:          uuid.New(),
		destination: dest,
		topologyID:  topologyID,
		segments:    segments.Clone(),
		chunkSize:   p.cfg.chunkSize,
		chunkBytes:  p.cfg.chunkBytes,
		segmentFor:  top.ReadCH.SegmentFor,
		data:        p.data,
		store:       store,
		limiter:     p.limiter,
		env:         p.env(),
		metrics:     p.metrics,
		onComplete:  p.onTaskCompletion,
		cancelled:   cluster.NewSegmentSet(),
	}

	p.mu.Lock()
	p.transfers[dest] = append(p.transfers[dest], task)
	p.mu.Unlock()

	p.logger.Debug().Str("destination", string(dest)).Int("topology", topologyID).Ints("segments", segments.Sorted()).Msg("starting outbound transfer")

	qctx, cancel := context.WithTimeout(ctx, p.cfg.timeout)
	defer cancel()

	err := p.cfg.executor.Enqueue(qctx, func() error { return task.Execute(p.ctx) })
	if err != nil {
		task.Cancel()

		return ewrap.Wrap(err, "enqueue outbound transfer")
	}

	return nil
}

// CancelOutboundTransfer stops sending segments to dest.
func (p *Provider) CancelOutboundTransfer(dest cluster.NodeID, topologyID int, segments cluster.SegmentSet) {
	p.mu.Lock()
	list := slices.Clone(p.transfers[dest])
	p.mu.Unlock()

	for _, task := range list {
		task.CancelSegments(segments)
	}

	if len(list) > 0 {
		p.logger.Debug().Str("destination", string(dest)).Int("topology", topologyID).Ints("segments", segments.Sorted()).Msg("cancelled outbound segments")
	}
}

// IsStateTransferInProgress reports whether any outbound task is running.
func (p *Provider) IsStateTransferInProgress() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.transfers) > 0
}

// OutboundTransfers returns the segments being sent per destination.
func (p *Provider) OutboundTransfers() map[cluster.NodeID][]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[cluster.NodeID][]int, len(p.transfers))

	for dest, list := range p.transfers {
		segs := cluster.NewSegmentSet()
		for _, task := range list {
			segs.AddAll(task.Segments())
		}

		out[dest] = segs.Sorted()
	}

	return out
}

// Stop cancels every outbound task.
func (p *Provider) Stop() {
	p.cancel()

	p.mu.Lock()

	var all []*OutboundTransferTask
	for _, list := range p.transfers {
		all = append(all, list...)
	}
	p.mu.Unlock()

	for _, task := range all {
		task.Cancel()
	}
}

func (p *Provider) onTaskCompletion(task *OutboundTransferTask, err error) {
	p.mu.Lock()

	list := p.transfers[task.Destination()]
	if idx := slices.Index(list, task); idx >= 0 {
		list = slices.Delete(list, idx, idx+1)
	}

	if len(list) == 0 {
		delete(p.transfers, task.Destination())
	} else {
		p.transfers[task.Destination()] = list
	}
	p.mu.Unlock()

	p.logger.Debug().Err(err).Str("destination", string(task.Destination())).Str("state", task.State().String()).Msg("outbound transfer finished")
}

func (p *Provider) currentTopology() *cluster.Topology {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.topology
}

func (p *Provider) env() taskEnv {
	return taskEnv{
		cache:     p.cfg.cache,
		self:      p.self,
		transport: p.transport,
		timeout:   p.cfg.timeout,
		logger:    p.logger,
	}
}
