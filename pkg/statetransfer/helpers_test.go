package statetransfer

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/container"
)

// prefixSegmenter maps "<segment>-<anything>" to <segment>.
func prefixSegmenter(key string, numSegments int) int {
	head, _, _ := strings.Cut(key, "-")

	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}

	return n % numSegments
}

func staticHash(t *testing.T, owners ...[]cluster.NodeID) *cluster.SegmentHash {
	t.Helper()

	ch, err := cluster.NewStaticHash(owners, cluster.WithSegmenter(prefixSegmenter))
	require.NoError(t, err)

	return ch
}

func owners(ids ...cluster.NodeID) []cluster.NodeID { return ids }

type testPipeline struct {
	data *container.Container
}

func (p testPipeline) ApplyPut(_ context.Context, e container.Entry, flags Flags) (bool, error) {
	switch {
	case flags.Has(Versioned):
		return p.data.PutIfNewer(e), nil
	case flags.Has(PutIfAbsent):
		return p.data.PutIfAbsent(e), nil
	}

	p.data.Put(e)

	return true, nil
}

func (p testPipeline) ApplyInvalidate(_ context.Context, keys []string, _ Flags) error {
	for _, k := range keys {
		p.data.Remove(k)
	}

	return nil
}

type recordingCoordinator struct {
	mu    sync.Mutex
	calls []int
}

func (c *recordingCoordinator) NotifyRebalanceComplete(_ cluster.NodeID, topologyID int) {
	c.mu.Lock()
	c.calls = append(c.calls, topologyID)
	c.mu.Unlock()
}

func (c *recordingCoordinator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.calls)
}

func (c *recordingCoordinator) topologies() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]int(nil), c.calls...)
}

// hookTransport lets tests fail or block calls on top of an in-process transport.
type hookTransport struct {
	*InProcessTransport

	mu        sync.Mutex
	failing   map[cluster.NodeID]error
	onPush    func(ctx context.Context, push StatePush) error
	requested map[cluster.NodeID][]int
	cancelled map[cluster.NodeID][]int
}

func newHookTransport() *hookTransport {
	return &hookTransport{
		InProcessTransport: NewInProcessTransport(),
		failing:            map[cluster.NodeID]error{},
		requested:          map[cluster.NodeID][]int{},
		cancelled:          map[cluster.NodeID][]int{},
	}
}

func (h *hookTransport) fail(target cluster.NodeID, err error) {
	h.mu.Lock()
	h.failing[target] = err
	h.mu.Unlock()
}

// requests counts the segment requests sent to target in a topology.
func (h *hookTransport) requests(target cluster.NodeID, topologyID int) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0

	for _, id := range h.requested[target] {
		if id == topologyID {
			n++
		}
	}

	return n
}

// cancelNotices returns the segments target was told to stop sending.
func (h *hookTransport) cancelNotices(target cluster.NodeID) []int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]int(nil), h.cancelled[target]...)
}

func (h *hookTransport) setOnPush(hook func(ctx context.Context, push StatePush) error) {
	h.mu.Lock()
	h.onPush = hook
	h.mu.Unlock()
}

func (h *hookTransport) RequestSegments(ctx context.Context, target cluster.NodeID, req StateRequest) error {
	h.mu.Lock()
	h.requested[target] = append(h.requested[target], req.TopologyID)
	err := h.failing[target]
	h.mu.Unlock()

	if err != nil {
		return err
	}

	return h.InProcessTransport.RequestSegments(ctx, target, req)
}

func (h *hookTransport) CancelSegments(ctx context.Context, target cluster.NodeID, req StateRequest) error {
	h.mu.Lock()
	h.cancelled[target] = append(h.cancelled[target], req.Segments...)
	h.mu.Unlock()

	return h.InProcessTransport.CancelSegments(ctx, target, req)
}

func (h *hookTransport) PushState(ctx context.Context, target cluster.NodeID, push StatePush) error {
	h.mu.Lock()
	hook := h.onPush
	h.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, push); err != nil {
			return err
		}
	}

	return h.InProcessTransport.PushState(ctx, target, push)
}

type testNode struct {
	id       cluster.NodeID
	data     *container.Container
	consumer *Consumer
	provider *Provider
}

func newTestNode(id cluster.NodeID, tr *hookTransport, opts ...Option) *testNode {
	data := container.New()
	waiter := NewTopologyWaiter()

	all := append([]Option{WithTopologyWaiter(waiter), WithTimeout(2 * time.Second), WithTopologyWait(time.Second)}, opts...)

	n := &testNode{
		id:       id,
		data:     data,
		consumer: NewConsumer(id, data, testPipeline{data: data}, tr, all...),
		provider: NewProvider(id, data, tr, all...),
	}

	tr.Register(id, NewDispatcher(n.consumer, n.provider))

	return n
}

func (n *testNode) install(t *testing.T, top *cluster.Topology, isRebalance bool) {
	t.Helper()

	n.provider.OnTopologyUpdate(top, isRebalance)
	require.NoError(t, n.consumer.OnTopologyUpdate(context.Background(), top, isRebalance))
}

func (n *testNode) stop() {
	n.consumer.Stop()
	n.provider.Stop()
}

func put(c *container.Container, key string, value any) {
	c.Put(container.NewEntry(key, value))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}
