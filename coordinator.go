package hypergrid

import (
	"context"
	"sync"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// LocalCoordinator drives the topology of nodes living in the same process. A
// membership change installs a rebalance topology on every member; once every member
// reported its transfers done, the stable topology is installed.
type LocalCoordinator struct {
	mu      sync.Mutex
	planner *cluster.Planner
	members *cluster.Membership
	nodes   map[cluster.NodeID]*Node
	logger  zerolog.Logger

	current *cluster.Topology
	nextID  int
	// pending holds the members that did not finish the rebalance topology yet.
	pending     map[cluster.NodeID]struct{}
	rebalanceID int
	stable      chan struct{}
}

// CoordinatorOption configures a LocalCoordinator.
type CoordinatorOption func(*LocalCoordinator)

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l zerolog.Logger) CoordinatorOption {
	return func(c *LocalCoordinator) { c.logger = l }
}

// NewLocalCoordinator creates a coordinator using planner to derive topologies.
func NewLocalCoordinator(planner *cluster.Planner, opts ...CoordinatorOption) *LocalCoordinator {
	c := &LocalCoordinator{
		planner:     planner,
		members:     cluster.NewMembership(),
		nodes:       map[cluster.NodeID]*Node{},
		logger:      zerolog.Nop(),
		nextID:      1,
		rebalanceID: -1,
		stable:      closedChan(),
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// Join adds n to the cluster and rebalances.
func (c *LocalCoordinator) Join(ctx context.Context, n *Node) error {
	c.mu.Lock()
	c.nodes[n.ID()] = n
	c.members.Upsert(cluster.NewNode(string(n.ID()), n.Config().AdvertiseAddr))
	c.mu.Unlock()

	return c.membershipChanged(ctx)
}

// Leave removes id from the cluster and rebalances. The node itself is left running.
func (c *LocalCoordinator) Leave(ctx context.Context, id cluster.NodeID) error {
	c.mu.Lock()
	_, ok := c.nodes[id]
	delete(c.nodes, id)
	c.members.Remove(id)
	c.mu.Unlock()

	if !ok {
		return ewrap.Wrapf(sentinel.ErrNodeNotFound, "leave %s", id)
	}

	return c.membershipChanged(ctx)
}

// NotifyRebalanceComplete implements statetransfer.Coordinator.
func (c *LocalCoordinator) NotifyRebalanceComplete(node cluster.NodeID, topologyID int) {
	c.mu.Lock()

	if topologyID != c.rebalanceID {
		c.mu.Unlock()
		c.logger.Debug().Str("node", string(node)).Int("topology", topologyID).Msg("ignoring completion of an old rebalance")

		return
	}

	delete(c.pending, node)

	if len(c.pending) > 0 {
		c.mu.Unlock()

		return
	}

	top, err := c.planner.Finish(c.nextID, c.current)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("cannot build stable topology")

		return
	}

	c.nextID++
	c.current = top
	c.rebalanceID = -1
	targets := c.nodeList()
	stable := c.stable
	c.mu.Unlock()

	c.logger.Info().Int("topology", top.ID).Msg("rebalance complete, installing stable topology")

	// completions arrive from inside a consumer, never install from there
	go func() {
		c.broadcast(context.Background(), targets, top, false)

		c.mu.Lock()
		defer c.mu.Unlock()

		// a newer topology owns the channel now
		if c.current == top {
			closeOnce(stable)
		}
	}()
}

// Topology returns the last topology handed to the members.
func (c *LocalCoordinator) Topology() *cluster.Topology {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// Members returns the ids of the current members.
func (c *LocalCoordinator) Members() []cluster.NodeID { return c.members.Members() }

// WaitStable blocks until the last rebalance finished and its stable topology is
// installed everywhere.
func (c *LocalCoordinator) WaitStable(ctx context.Context) error {
	c.mu.Lock()
	stable := c.stable
	c.mu.Unlock()

	select {
	case <-stable:
		return nil
	case <-ctx.Done():
		return ewrap.Wrap(sentinel.ErrTimeoutOrCanceled, "waiting for a stable topology")
	}
}

func (c *LocalCoordinator) membershipChanged(ctx context.Context) error {
	c.mu.Lock()

	members := c.members.Members()
	if len(members) == 0 {
		c.current = nil
		c.mu.Unlock()

		return nil
	}

	var (
		top         *cluster.Topology
		err         error
		isRebalance = c.current != nil
	)

	if isRebalance {
		top, err = c.planner.Rebalance(c.nextID, c.current, members)
	} else {
		top, err = c.planner.Initial(c.nextID, members)
	}

	if err != nil {
		c.mu.Unlock()

		return err
	}

	c.nextID++
	c.current = top

	if isRebalance {
		c.rebalanceID = top.ID
		c.pending = make(map[cluster.NodeID]struct{}, len(members))

		for _, id := range members {
			c.pending[id] = struct{}{}
		}

		select {
		case <-c.stable:
			c.stable = make(chan struct{})
		default:
		}
	}

	targets := c.nodeList()
	c.mu.Unlock()

	c.logger.Info().Int("topology", top.ID).Bool("rebalance", isRebalance).Int("members", len(members)).Msg("installing topology")

	c.broadcast(ctx, targets, top, isRebalance)

	return nil
}

// broadcast installs top on every provider, then on every consumer, so a request for
// top never waits on a provider that did not get it yet.
func (c *LocalCoordinator) broadcast(ctx context.Context, targets []*Node, top *cluster.Topology, isRebalance bool) {
	for _, n := range targets {
		n.provider.OnTopologyUpdate(top, isRebalance)
	}

	for _, n := range targets {
		err := n.consumer.OnTopologyUpdate(ctx, top, isRebalance)
		if err != nil {
			c.logger.Warn().Err(err).Str("node", string(n.ID())).Int("topology", top.ID).Msg("topology not installed")
		}
	}
}

func (c *LocalCoordinator) nodeList() []*Node {
	out := make([]*Node, 0, len(c.nodes))
	for _, id := range c.members.Members() {
		if n, ok := c.nodes[id]; ok {
			out = append(out, n)
		}
	}

	return out
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)

	return ch
}
