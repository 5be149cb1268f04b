// Package statetransfer moves segment state between the nodes of the grid when the
// topology changes.
//
// On every topology update the Consumer diffs the segments this node owns under the
// old and new write hash. Lost segments are discarded; gained segments are pulled, one
// InboundTransferTask per source, from nodes that still own them under the read hash.
// On the other side the Provider answers each request with an OutboundTransferTask
// that streams the segment entries back in chunks. Received entries go through the
// node's WritePipeline as put-if-absent writes so they never overwrite data written
// concurrently by users. When nothing is left in flight the Coordinator is told the
// rebalance finished, once per rebalance.
package statetransfer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/container"
)

// Consumer is the receiving side of state transfer on one node.
type Consumer struct {
	self      cluster.NodeID
	cfg       settings
	data      DataContainer
	pipeline  WritePipeline
	transport Transport
	logger    zerolog.Logger
	metrics   *metrics

	// topoMu is the topology lock: exclusive to swap the topology, shared for writes.
	topoMu   sync.RWMutex
	topology *cluster.Topology

	table *transferTable

	activeUpdates       *atomic.Int32
	activeLoops         *atomic.Int32
	rebalanceInProgress *atomic.Bool

	// endMu orders raising the rebalance flag against clearing it.
	endMu          sync.Mutex
	rebalanceTopo  *cluster.Topology
	completedCount *atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewConsumer creates a consumer for node self.
func NewConsumer(self cluster.NodeID, data DataContainer, pipeline WritePipeline, transport Transport, opts ...Option) *Consumer {
	cfg := applyOptions(opts)

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		self:                self,
		cfg:                 cfg,
		data:                data,
		pipeline:            pipeline,
		transport:           transport,
		logger:              cfg.logger.With().Str("component", "state-consumer").Str("cache", cfg.cache).Str("node", string(self)).Logger(),
		metrics:             newMetrics(cfg.meter, cfg.cache),
		table:               newTransferTable(),
		activeUpdates:       atomic.NewInt32(0),
		activeLoops:         atomic.NewInt32(0),
		rebalanceInProgress: atomic.NewBool(false),
		completedCount:      atomic.NewInt64(0),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// OnTopologyUpdate installs top and starts moving the segments whose ownership
// changed. Pulls run in the background; the call returns once they are registered.
// Transaction metadata of transactional caches is pulled before returning.
func (c *Consumer) OnTopologyUpdate(ctx context.Context, top *cluster.Topology, isRebalance bool) error {
	if top == nil || top.WriteCH == nil || top.ReadCH == nil {
		return sentinel.ErrTopologyMissing
	}

	if cur := c.CacheTopology(); cur != nil && top.ID < cur.ID {
		return ewrap.Wrapf(sentinel.ErrStaleTopology, "topology %d older than installed %d", top.ID, cur.ID)
	}

	// raised under endMu so a concurrent end check either sees this update or finished
	// before it
	c.endMu.Lock()
	c.activeUpdates.Inc()
	c.endMu.Unlock()

	defer func() {
		if c.activeUpdates.Dec() == 0 {
			c.notifyEndOfTopologyUpdate()
		}
	}()

	c.topoMu.Lock()
	prev := c.topology

	// a newer topology may have been installed since the check above
	if prev != nil && top.ID < prev.ID {
		c.topoMu.Unlock()

		return ewrap.Wrapf(sentinel.ErrStaleTopology, "topology %d older than installed %d", top.ID, prev.ID)
	}

	c.topology = top
	c.topoMu.Unlock()

	if isRebalance {
		c.endMu.Lock()
		c.rebalanceInProgress.Store(true)

		if c.rebalanceTopo == nil || c.rebalanceTopo.ID <= top.ID {
			c.rebalanceTopo = top
		}
		c.endMu.Unlock()
	}

	c.cfg.waiter.Installed(top.ID)

	c.logger.Debug().Int("topology", top.ID).Bool("rebalance", isRebalance).Msg("installed topology")

	if isRebalance {
		c.fireRehashed(true, top)
	}

	newOwned := cluster.OwnedSegments(top.WriteCH, c.self)

	var added cluster.SegmentSet

	if prev == nil {
		added = newOwned
	} else {
		oldOwned := cluster.OwnedSegments(prev.WriteCH, c.self)

		removed := oldOwned.Minus(newOwned)
		added = newOwned.Minus(oldOwned)

		c.logger.Debug().
			Int("topology", top.ID).
			Ints("removed", removed.Sorted()).
			Ints("added", added.Sorted()).
			Msg("segment ownership changed")

		if !removed.Empty() {
			c.discardSegments(ctx, removed)
		}

		// transfers from sources that left restart elsewhere if still owned
		orphaned := c.table.removeSourcesNotIn(top.ReadCH.Members())
		added.AddAll(orphaned.Intersect(newOwned))

		added.RemoveAll(c.table.covered())
	}

	if added.Empty() || !c.cfg.fetches() {
		return nil
	}

	excluded := map[cluster.NodeID]struct{}{}

	var sources map[cluster.NodeID]cluster.SegmentSet

	if c.cfg.transactional {
		sources = c.requestTransactions(ctx, top, added, excluded)
	}

	if c.cfg.fetchState {
		c.requestSegments(top, added, sources, excluded)
	}

	return nil
}

// notifyEndOfTopologyUpdate clears the rebalance flag and signals completion once no
// update, request loop or inbound transfer is left.
func (c *Consumer) notifyEndOfTopologyUpdate() {
	c.endMu.Lock()

	if c.activeUpdates.Load() != 0 || c.activeLoops.Load() != 0 || !c.table.empty() {
		c.endMu.Unlock()

		return
	}

	if !c.rebalanceInProgress.CompareAndSwap(true, false) {
		c.endMu.Unlock()

		return
	}

	rebalance := c.rebalanceTopo
	c.rebalanceTopo = nil
	c.endMu.Unlock()

	topologyID := c.CacheTopology().ID
	if rebalance != nil {
		topologyID = rebalance.ID
	}

	c.completedCount.Inc()
	c.metrics.add(c.ctx, c.metrics.rebalances, 1)

	c.logger.Info().Int("topology", topologyID).Msg("finished receiving segments")

	if rebalance != nil {
		c.fireRehashed(false, rebalance)
	}

	if c.cfg.coordinator != nil {
		c.cfg.coordinator.NotifyRebalanceComplete(c.self, topologyID)
	}
}

// ApplyState applies received chunks. Chunks for segments this node does not own, or
// for which no transfer from sender is waiting, are dropped with a warning.
func (c *Consumer) ApplyState(ctx context.Context, sender cluster.NodeID, topologyID int, chunks []StateChunk) error {
	completed, err := c.applyChunks(ctx, sender, topologyID, chunks)

	for _, task := range completed {
		c.onTaskCompletion(task)
	}

	return err
}

func (c *Consumer) applyChunks(ctx context.Context, sender cluster.NodeID, topologyID int, chunks []StateChunk) ([]*InboundTransferTask, error) {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()

	top := c.topology
	if top == nil {
		return nil, sentinel.ErrTopologyMissing
	}

	owned := cluster.OwnedSegments(top.WriteCH, c.self)

	var completed []*InboundTransferTask

	for _, chunk := range chunks {
		if !owned.Has(chunk.Segment) {
			c.logger.Warn().
				Int("segment", chunk.Segment).
				Str("source", string(sender)).
				Int("topology", topologyID).
				Msg("discarding received entries for a segment this node does not own")
			c.metrics.add(ctx, c.metrics.chunksDiscarded, 1, sourceAttr(string(sender)))

			continue
		}

		task, ok := c.table.lookup(chunk.Segment)
		if !ok || task.Source() != sender {
			c.logger.Warn().
				Int("segment", chunk.Segment).
				Str("source", string(sender)).
				Int("topology", topologyID).
				Msg("received unsolicited state")
			c.metrics.add(ctx, c.metrics.chunksDiscarded, 1, sourceAttr(string(sender)))

			continue
		}

		c.doApplyState(ctx, sender, chunk.Segment, chunk.Entries)

		if c.table.segmentReceived(task, chunk.Segment, chunk.IsLastChunk) {
			completed = append(completed, task)
		}
	}

	return completed, nil
}

func (c *Consumer) doApplyState(ctx context.Context, sender cluster.NodeID, segment int, entries []container.Entry) {
	if len(entries) == 0 {
		return
	}

	flags := StateTransferPutFlags
	if c.cfg.useVersionedPut() {
		flags |= Versioned
	}

	applied, skipped := 0, 0

	for _, e := range entries {
		stored, err := c.pipeline.ApplyPut(ctx, e, flags)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", e.Key).Int("segment", segment).Msg("problem applying state for key")

			continue
		}

		if stored {
			applied++
		} else {
			skipped++
		}
	}

	c.metrics.add(ctx, c.metrics.chunksApplied, 1, sourceAttr(string(sender)))
	c.metrics.add(ctx, c.metrics.entriesApplied, applied, sourceAttr(string(sender)))
	c.metrics.add(ctx, c.metrics.entriesSkipped, skipped, sourceAttr(string(sender)))

	c.logger.Debug().
		Int("segment", segment).
		Str("source", string(sender)).
		Int("applied", applied).
		Int("skipped", skipped).
		Msg("applied state")
}

// ApplyTransactions registers the transactions pulled from sender.
func (c *Consumer) ApplyTransactions(_ context.Context, sender cluster.NodeID, topologyID int, txs []TransactionInfo) {
	if !c.cfg.transactional || c.cfg.txTable == nil {
		return
	}

	c.logger.Debug().Str("source", string(sender)).Int("topology", topologyID).Int("transactions", len(txs)).Msg("applying transactions")

	for _, tx := range txs {
		c.cfg.txTable.RegisterRemote(tx)
	}
}

// discardSegments cancels the transfers of segments this node lost and removes their
// keys from memory and from a non-shared store.
func (c *Consumer) discardSegments(ctx context.Context, segments cluster.SegmentSet) {
	for _, task := range c.table.cancelSegments(segments) {
		c.onTaskCompletion(task)
	}

	top := c.CacheTopology()
	if top == nil {
		return
	}

	keys := map[string]struct{}{}

	for _, key := range c.data.Keys() {
		if segments.Has(top.SegmentFor(key)) {
			keys[key] = struct{}{}
		}
	}

	if store := c.cfg.store; store != nil && !store.Shared() {
		stored, err := store.LoadAllKeys(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed loading keys from store")
		}

		for _, key := range stored {
			if segments.Has(top.SegmentFor(key)) {
				keys[key] = struct{}{}
			}
		}
	}

	if len(keys) == 0 {
		return
	}

	list := make([]string, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}

	slices.Sort(list)

	err := c.pipeline.ApplyInvalidate(ctx, list, InvalidateFlags)
	if err != nil {
		c.logger.Warn().Err(err).Int("keys", len(list)).Msg("failed to invalidate keys")

		return
	}

	c.logger.Debug().Ints("segments", segments.Sorted()).Int("keys", len(list)).Int("remaining", c.data.Len()).Msg("invalidated segments")
}

// findSources groups segments by the source they are pulled from. Segments without
// a usable source are left out.
func (c *Consumer) findSources(top *cluster.Topology, segments cluster.SegmentSet, excluded map[cluster.NodeID]struct{}) map[cluster.NodeID]cluster.SegmentSet {
	sources := map[cluster.NodeID]cluster.SegmentSet{}

	for _, seg := range segments.Sorted() {
		source, ok := c.findSource(top, seg, excluded)
		if !ok {
			continue
		}

		if sources[source] == nil {
			sources[source] = cluster.NewSegmentSet()
		}

		sources[source].Add(seg)
	}

	return sources
}

func (c *Consumer) findSource(top *cluster.Topology, segment int, excluded map[cluster.NodeID]struct{}) (cluster.NodeID, bool) {
	owners := top.ReadCH.OwnersOf(segment)
	if len(owners) == 1 && owners[0] == c.self {
		return "", false
	}

	source, ok := c.cfg.selector.Select(owners, func(o cluster.NodeID) bool {
		if o == c.self || !top.IsMember(o) {
			return false
		}

		_, skip := excluded[o]

		return !skip
	})
	if ok {
		return source, true
	}

	excludedList := make([]string, 0, len(excluded))
	for o := range excluded {
		excludedList = append(excludedList, string(o))
	}

	ownerList := make([]string, 0, len(owners))
	for _, o := range owners {
		ownerList = append(ownerList, string(o))
	}

	c.logger.Warn().
		Err(sentinel.ErrNoLiveSource).
		Int("segment", segment).
		Strs("owners", ownerList).
		Strs("excluded", excludedList).
		Msg("no live owner found for segment, its data is lost")
	c.metrics.add(c.ctx, c.metrics.segmentsLost, 1)

	return "", false
}

// requestTransactions pulls the in-flight transactions of segments. Returns the
// sources to pull the data from, or nil when a failure changed them and they must be
// recomputed.
func (c *Consumer) requestTransactions(ctx context.Context, top *cluster.Topology, segments cluster.SegmentSet, excluded map[cluster.NodeID]struct{}) map[cluster.NodeID]cluster.SegmentSet {
	sources := c.findSources(top, segments, excluded)
	seenFailures := false

	for len(sources) > 0 {
		type pending struct {
			source cluster.NodeID
			fut    *Future[[]TransactionInfo]
		}

		var round []pending

		for _, source := range sortedSources(sources) {
			fut := NewFuture[[]TransactionInfo]()
			req := StateRequest{
				Type:       GetTransactions,
				Cache:      c.cfg.cache,
				Origin:     c.self,
				TopologyID: top.ID,
				Segments:   sources[source].Sorted(),
			}

			src := source
			qctx, cancel := context.WithTimeout(ctx, c.cfg.timeout)
			err := c.cfg.executor.Enqueue(qctx, func() error {
				rctx, cancel := context.WithTimeout(ctx, c.cfg.timeout)
				defer cancel()

				txs, err := c.transport.RequestTransactions(rctx, src, req)
				fut.Complete(txs, err)

				return err
			})

			cancel()

			if err != nil {
				fut.Complete(nil, err)
			}

			round = append(round, pending{source: source, fut: fut})
		}

		failed := cluster.NewSegmentSet()

		for _, p := range round {
			txs, err := p.fut.Wait(ctx)
			if err == nil {
				c.ApplyTransactions(ctx, p.source, top.ID, txs)

				continue
			}

			c.logger.Warn().Err(err).Str("source", string(p.source)).Msg("failed to retrieve transactions")
			c.metrics.add(ctx, c.metrics.requestFailures, 1, sourceAttr(string(p.source)))

			excluded[p.source] = struct{}{}
			failed.AddAll(sources[p.source])
			delete(sources, p.source)
		}

		if failed.Empty() || ctx.Err() != nil {
			break
		}

		seenFailures = true
		sources = c.findSources(top, failed, excluded)
	}

	if seenFailures {
		return nil
	}

	return sources
}

// requestSegments registers one inbound task per source and runs the request loop in
// the background: every round requests the new tasks in parallel, then waits for all
// of them; segments of failed tasks are reassigned to other owners with the failing
// source excluded. Accepted tasks are then watched until they finish: a source that
// sends nothing for a whole timeout is treated like one that refused the request.
func (c *Consumer) requestSegments(top *cluster.Topology, segments cluster.SegmentSet, sources map[cluster.NodeID]cluster.SegmentSet, excluded map[cluster.NodeID]struct{}) {
	if sources == nil {
		sources = c.findSources(top, segments, excluded)
	}

	tasks := c.addTransfers(top, sources)
	if len(tasks) == 0 {
		return
	}

	c.activeLoops.Inc()

	go c.requestLoop(tasks, excluded)
}

func (c *Consumer) requestLoop(tasks []*InboundTransferTask, excluded map[cluster.NodeID]struct{}) {
	defer func() {
		c.activeLoops.Dec()
		c.notifyEndOfTopologyUpdate()
	}()

	var accepted []*InboundTransferTask

	for len(tasks) > 0 || len(accepted) > 0 {
		failed := cluster.NewSegmentSet()

		if len(tasks) > 0 {
			accepted = append(accepted, c.requestRound(tasks, excluded, failed)...)
		} else {
			var stalled []*InboundTransferTask

			accepted, stalled = c.awaitTransfers(accepted)

			for _, task := range stalled {
				c.dropStalled(task, excluded, failed)
			}
		}

		if c.ctx.Err() != nil {
			return
		}

		tasks = nil

		if failed.Empty() {
			continue
		}

		top := c.CacheTopology()
		failed = failed.Intersect(cluster.OwnedSegments(top.WriteCH, c.self))

		c.logger.Debug().Ints("segments", failed.Sorted()).Msg("retrying segments from other sources")

		tasks = c.addTransfers(top, c.findSources(top, failed, excluded))
	}
}

// requestRound sends the segment requests of tasks in parallel and waits for every
// answer. Returns the tasks whose source accepted; the segments of the others go to
// failed. Requests wait on the network, not on the executor, so a node never holds a
// worker while a peer needs one of its own to answer.
func (c *Consumer) requestRound(tasks []*InboundTransferTask, excluded map[cluster.NodeID]struct{}, failed cluster.SegmentSet) []*InboundTransferTask {
	futures := make([]*Future[bool], len(tasks))

	for i, task := range tasks {
		futures[i] = task.RequestFuture()

		go func() { _ = task.RequestSegments(c.ctx) }()
	}

	var accepted []*InboundTransferTask

	for i, task := range tasks {
		ok, err := futures[i].Wait(c.ctx)
		if ok {
			accepted = append(accepted, task)

			continue
		}

		if !c.table.remove(task) {
			// cancelled, completed or replaced meanwhile
			continue
		}

		task.fail(err)

		excluded[task.Source()] = struct{}{}
		failed.AddAll(task.Segments())

		c.metrics.add(c.ctx, c.metrics.requestFailures, 1, sourceAttr(string(task.Source())))
	}

	return accepted
}

// awaitTransfers blocks until one of the tasks finishes or stalls. Returns the tasks
// still running and the stalled ones.
func (c *Consumer) awaitTransfers(tasks []*InboundTransferTask) (live, stalled []*InboundTransferTask) {
	ticker := time.NewTicker(stallCheckInterval(c.cfg.timeout))
	defer ticker.Stop()

	for {
		live, stalled = live[:0], stalled[:0]
		now := time.Now()

		for _, task := range tasks {
			switch {
			case task.Completion().IsDone():
			case task.idleFor(now) > c.cfg.timeout:
				stalled = append(stalled, task)
			default:
				live = append(live, task)
			}
		}

		if len(stalled) > 0 || len(live) < len(tasks) {
			return live, stalled
		}

		select {
		case <-c.ctx.Done():
			return live, nil
		case <-live[0].Completion().Done():
		case <-ticker.C:
		}
	}
}

func (c *Consumer) dropStalled(task *InboundTransferTask, excluded map[cluster.NodeID]struct{}, failed cluster.SegmentSet) {
	if !c.table.remove(task) {
		return
	}

	segments := task.Segments()
	task.expire()

	c.logger.Warn().
		Err(sentinel.ErrTransferStalled).
		Str("source", string(task.Source())).
		Int("topology", task.TopologyID()).
		Ints("segments", segments.Sorted()).
		Msg("source stopped sending state")

	excluded[task.Source()] = struct{}{}
	failed.AddAll(segments)

	c.metrics.add(c.ctx, c.metrics.requestFailures, 1, sourceAttr(string(task.Source())))
}

func stallCheckInterval(timeout time.Duration) time.Duration {
	const (
		minInterval = 5 * time.Millisecond
		maxInterval = 250 * time.Millisecond
	)

	return min(max(timeout/4, minInterval), maxInterval)
}

func (c *Consumer) addTransfers(top *cluster.Topology, sources map[cluster.NodeID]cluster.SegmentSet) []*InboundTransferTask {
	env := taskEnv{
		cache:     c.cfg.cache,
		self:      c.self,
		transport: c.transport,
		timeout:   c.cfg.timeout,
		logger:    c.logger,
	}

	var tasks []*InboundTransferTask

	for _, source := range sortedSources(sources) {
		task := c.table.add(sources[source], func(free cluster.SegmentSet) *InboundTransferTask {
			return newInboundTask(free, source, top.ID, env)
		})
		if task == nil {
			continue
		}

		c.metrics.add(c.ctx, c.metrics.segmentsPulled, task.Segments().Len(), sourceAttr(string(source)))

		tasks = append(tasks, task)
	}

	return tasks
}

func (c *Consumer) onTaskCompletion(task *InboundTransferTask) {
	c.logger.Debug().Str("task", task.ID().String()).Str("source", string(task.Source())).Str("state", task.State().String()).Msg("inbound transfer finished")

	if c.activeUpdates.Load() == 0 {
		c.notifyEndOfTopologyUpdate()
	}
}

func (c *Consumer) fireRehashed(pre bool, top *cluster.Topology) {
	if len(c.cfg.listeners) == 0 {
		return
	}

	ev := newRehashEvent(pre, top)
	for _, l := range c.cfg.listeners {
		l.OnDataRehashed(ev)
	}
}

// Stop cancels every inbound transfer. Safe to call concurrently with an update.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.table.clear()

		c.logger.Debug().Msg("stopped state consumer")
	})
}

// IsStateTransferInProgress reports whether any inbound transfer is live.
func (c *Consumer) IsStateTransferInProgress() bool { return !c.table.empty() }

// IsStateTransferInProgressForKey reports whether the segment of key is being pulled.
func (c *Consumer) IsStateTransferInProgressForKey(key string) bool {
	top := c.CacheTopology()
	if top == nil {
		return false
	}

	_, ok := c.table.lookup(top.SegmentFor(key))

	return ok
}

// IsRebalanceInProgress reports whether a rebalance has not completed locally yet.
func (c *Consumer) IsRebalanceInProgress() bool { return c.rebalanceInProgress.Load() }

// CompletedRebalances returns how many times rebalance completion was signalled.
func (c *Consumer) CompletedRebalances() int64 { return c.completedCount.Load() }

// CacheTopology returns the installed topology, nil before the first update.
func (c *Consumer) CacheTopology() *cluster.Topology {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()

	return c.topology
}

// WithTopology runs fn while holding the topology lock in shared mode, so the topology
// cannot change under a write.
func (c *Consumer) WithTopology(fn func(top *cluster.Topology) error) error {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()

	if c.topology == nil {
		return sentinel.ErrTopologyMissing
	}

	return fn(c.topology)
}

// Status is a point in time view of the consumer.
type Status struct {
	Node                cluster.NodeID           `json:"node"`
	Cache               string                   `json:"cache"`
	TopologyID          int                      `json:"topologyId"`
	RebalanceInProgress bool                     `json:"rebalanceInProgress"`
	ActiveUpdates       int32                    `json:"activeUpdates"`
	ActiveRequestLoops  int32                    `json:"activeRequestLoops"`
	CompletedRebalances int64                    `json:"completedRebalances"`
	InboundBySource     map[cluster.NodeID][]int `json:"inboundBySource"`
}

// Status returns the current state of the consumer.
func (c *Consumer) Status() Status {
	st := Status{
		Node:                c.self,
		Cache:               c.cfg.cache,
		TopologyID:          -1,
		RebalanceInProgress: c.rebalanceInProgress.Load(),
		ActiveUpdates:       c.activeUpdates.Load(),
		ActiveRequestLoops:  c.activeLoops.Load(),
		CompletedRebalances: c.completedCount.Load(),
		InboundBySource:     c.table.bySourceSnapshot(),
	}

	if top := c.CacheTopology(); top != nil {
		st.TopologyID = top.ID
	}

	return st
}

func sortedSources(sources map[cluster.NodeID]cluster.SegmentSet) []cluster.NodeID {
	out := make([]cluster.NodeID, 0, len(sources))
	for s := range sources {
		out = append(out, s)
	}

	slices.Sort(out)

	return out
}
