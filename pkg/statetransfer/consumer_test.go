package statetransfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/container"
)

type eventLog struct {
	mu     sync.Mutex
	events []RehashEvent
}

func (l *eventLog) OnDataRehashed(ev RehashEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []RehashEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]RehashEvent(nil), l.events...)
}

func TestConsumer_JoinPullsGainedSegments(t *testing.T) {
	tr := newHookTransport()
	coordA, coordB := &recordingCoordinator{}, &recordingCoordinator{}
	events := &eventLog{}

	a := newTestNode("A", tr, WithCoordinator(coordA))
	b := newTestNode("B", tr, WithCoordinator(coordB), WithRehashListener(events))

	t.Cleanup(a.stop)
	t.Cleanup(b.stop)

	alone := staticHash(t, owners("A"), owners("A"), owners("A"))
	a.install(t, cluster.NewTopology(1, alone, alone), false)

	put(a.data, "0-a", "x")
	put(a.data, "1-b", "y")
	put(a.data, "2-c", "z")

	write := staticHash(t, owners("A"), owners("A", "B"), owners("A", "B"))
	rebalance := cluster.NewTopology(2, alone, write)

	a.install(t, rebalance, true)
	b.install(t, rebalance, true)

	waitFor(t, func() bool { return coordB.count() == 1 })

	assert.Equal(t, 2, b.data.Len())
	assert.True(t, b.data.Has("1-b"))
	assert.True(t, b.data.Has("2-c"))
	assert.False(t, b.data.Has("0-a"))
	assert.False(t, b.consumer.IsRebalanceInProgress())
	assert.False(t, b.consumer.IsStateTransferInProgress())

	// A gained nothing and completes right away
	assert.Equal(t, 1, coordA.count())

	final := staticHash(t, owners("A"), owners("B"), owners("B"))
	a.install(t, cluster.NewTopology(3, final, final), false)
	b.install(t, cluster.NewTopology(3, final, final), false)

	assert.Equal(t, 1, a.data.Len())
	assert.True(t, a.data.Has("0-a"))
	assert.Equal(t, 2, b.data.Len())
	assert.Equal(t, 1, coordB.count())

	evs := events.all()
	require.Len(t, evs, 2)
	assert.True(t, evs[0].Pre)
	assert.False(t, evs[1].Pre)
	assert.Equal(t, 2, evs[1].TopologyID)
	assert.Equal(t, []cluster.NodeID{"A", "B"}, evs[1].MembersAtEnd)
}

func TestConsumer_RetriesWithAnotherSource(t *testing.T) {
	tr := newHookTransport()
	coord := &recordingCoordinator{}

	a := newTestNode("A", tr)
	c := newTestNode("C", tr)
	b := newTestNode("B", tr, WithCoordinator(coord))

	t.Cleanup(a.stop)
	t.Cleanup(b.stop)
	t.Cleanup(c.stop)

	read := staticHash(t, owners("A", "C"), owners("A", "C"))
	a.install(t, cluster.NewTopology(1, read, read), false)
	c.install(t, cluster.NewTopology(1, read, read), false)

	put(a.data, "0-a", "x")
	put(a.data, "1-b", "y")
	put(c.data, "0-a", "x")
	put(c.data, "1-b", "y")

	// A and C pull from each other on their first topology
	waitFor(t, func() bool {
		return !a.consumer.IsStateTransferInProgress() && !c.consumer.IsStateTransferInProgress()
	})

	// the newest owner is tried first and fails
	tr.fail("C", errors.New("unreachable"))

	write := staticHash(t, owners("A", "C", "B"), owners("A", "C", "B"))
	rebalance := cluster.NewTopology(2, read, write)

	a.install(t, rebalance, true)
	c.install(t, rebalance, true)
	b.install(t, rebalance, true)

	waitFor(t, func() bool { return coord.count() == 1 })

	assert.Equal(t, 2, b.data.Len())
	assert.Equal(t, 1, tr.requests("C", 2))
	assert.Equal(t, 1, tr.requests("A", 2))
	require.NoError(t, b.consumer.table.checkConsistency())
}

func TestConsumer_SegmentWithoutLiveSourceIsLost(t *testing.T) {
	tr := newHookTransport()
	coord := &recordingCoordinator{}

	b := newTestNode("B", tr, WithCoordinator(coord))
	t.Cleanup(b.stop)

	tr.fail("A", errors.New("unreachable"))

	read := staticHash(t, owners("A"))
	write := staticHash(t, owners("A", "B"))
	b.install(t, cluster.NewTopology(1, read, write), true)

	waitFor(t, func() bool { return coord.count() == 1 })

	assert.Equal(t, 0, b.data.Len())
	assert.Equal(t, 1, tr.requests("A", 1))
}

// pullingNode starts B pulling segment 1 from a source that accepts requests but never
// pushes, so tests drive the chunks themselves.
func pullingNode(t *testing.T, opts ...Option) (*testNode, *stubHandler, *hookTransport) {
	t.Helper()

	tr := newHookTransport()
	h := &stubHandler{}
	tr.Register("A", h)

	b := newTestNode("B", tr, opts...)
	t.Cleanup(b.stop)

	read := staticHash(t, owners("A"), owners("A"))
	write := staticHash(t, owners("A"), owners("A", "B"))
	b.install(t, cluster.NewTopology(2, read, write), true)

	waitFor(t, func() bool { return len(h.seen(GetSegments)) == 1 })

	return b, h, tr
}

func TestConsumer_LateDuplicateChunkIsIgnored(t *testing.T) {
	coord := &recordingCoordinator{}
	b, _, _ := pullingNode(t, WithCoordinator(coord))

	assert.True(t, b.consumer.IsStateTransferInProgressForKey("1-anything"))
	assert.False(t, b.consumer.IsStateTransferInProgressForKey("0-anything"))

	// a user write that races the transfer wins
	put(b.data, "1-user", "mine")

	chunk := StateChunk{
		Segment:     1,
		Entries:     []container.Entry{container.NewEntry("1-user", "old"), container.NewEntry("1-x", "v")},
		IsLastChunk: true,
	}

	require.NoError(t, b.consumer.ApplyState(t.Context(), "A", 2, []StateChunk{chunk}))

	assert.Equal(t, 2, b.data.Len())

	got, _ := b.data.Get("1-user")
	assert.Equal(t, "mine", got.Value)
	assert.False(t, b.consumer.IsStateTransferInProgress())
	waitFor(t, func() bool { return coord.count() == 1 })

	b.data.Remove("1-x")

	require.NoError(t, b.consumer.ApplyState(t.Context(), "A", 2, []StateChunk{chunk}))

	assert.False(t, b.data.Has("1-x"))
	assert.Equal(t, 1, coord.count())
}

func TestConsumer_DiscardsUnsolicitedState(t *testing.T) {
	b, _, _ := pullingNode(t)

	chunks := []StateChunk{
		// not owned
		{Segment: 0, Entries: []container.Entry{container.NewEntry("0-a", "x")}, IsLastChunk: true},
		// owned but requested from A, not C
		{Segment: 1, Entries: []container.Entry{container.NewEntry("1-a", "x")}, IsLastChunk: true},
	}

	require.NoError(t, b.consumer.ApplyState(t.Context(), "C", 2, chunks))

	assert.Equal(t, 0, b.data.Len())
	assert.True(t, b.consumer.IsStateTransferInProgress())
}

func TestConsumer_RemovedSegmentDoesNotRegress(t *testing.T) {
	coord := &recordingCoordinator{}
	b, h, _ := pullingNode(t, WithCoordinator(coord))

	put(b.data, "1-user", "mine")

	gone := staticHash(t, owners("A"), owners("A"))
	b.install(t, cluster.NewTopology(3, gone, gone), false)

	assert.False(t, b.consumer.IsStateTransferInProgress())
	assert.False(t, b.data.Has("1-user"))

	waitFor(t, func() bool { return len(h.seen(CancelSegments)) == 1 })

	late := StateChunk{Segment: 1, Entries: []container.Entry{container.NewEntry("1-x", "v")}, IsLastChunk: true}
	require.NoError(t, b.consumer.ApplyState(t.Context(), "A", 2, []StateChunk{late}))

	assert.Equal(t, 0, b.data.Len())
	waitFor(t, func() bool { return coord.count() == 1 })
	assert.False(t, b.consumer.IsRebalanceInProgress())
}

func TestConsumer_SourceLeavingRestartsTransfer(t *testing.T) {
	tr := newHookTransport()
	ha, hc := &stubHandler{}, &stubHandler{}
	tr.Register("A", ha)
	tr.Register("C", hc)

	b := newTestNode("B", tr)
	t.Cleanup(b.stop)

	read := staticHash(t, owners("C", "A"))
	write := staticHash(t, owners("C", "A", "B"))
	b.install(t, cluster.NewTopology(2, read, write), true)

	waitFor(t, func() bool { return len(ha.seen(GetSegments)) == 1 })

	// A left: the transfer restarts from C
	read = staticHash(t, owners("C"))
	write = staticHash(t, owners("C", "B"))
	b.install(t, cluster.NewTopology(3, read, write), true)

	waitFor(t, func() bool { return len(hc.seen(GetSegments)) == 1 })

	snap := b.consumer.Status().InboundBySource
	assert.Equal(t, 1, len(snap))
	assert.Equal(t, []int{0}, snap["C"])
	require.NoError(t, b.consumer.table.checkConsistency())
}

func TestConsumer_FetchDisabled(t *testing.T) {
	tr := newHookTransport()
	coord := &recordingCoordinator{}
	h := &stubHandler{}
	tr.Register("A", h)

	b := newTestNode("B", tr, WithCoordinator(coord), WithFetchState(false))
	t.Cleanup(b.stop)

	read := staticHash(t, owners("A"))
	write := staticHash(t, owners("A", "B"))
	b.install(t, cluster.NewTopology(1, read, write), true)

	assert.Equal(t, 0, len(h.seen(GetSegments)))
	assert.Equal(t, 1, coord.count())
}

func TestConsumer_RejectsStaleTopology(t *testing.T) {
	tr := newHookTransport()
	b := newTestNode("B", tr)
	t.Cleanup(b.stop)

	ch := staticHash(t, owners("B"))
	b.install(t, cluster.NewTopology(5, ch, ch), false)

	err := b.consumer.OnTopologyUpdate(t.Context(), cluster.NewTopology(4, ch, ch), false)
	assert.True(t, errors.Is(err, sentinel.ErrStaleTopology))
	assert.Equal(t, 5, b.consumer.CacheTopology().ID)

	assert.True(t, errors.Is(b.consumer.OnTopologyUpdate(t.Context(), nil, false), sentinel.ErrTopologyMissing))
}

func TestConsumer_WithTopology(t *testing.T) {
	tr := newHookTransport()
	b := newTestNode("B", tr)
	t.Cleanup(b.stop)

	err := b.consumer.WithTopology(func(*cluster.Topology) error { return nil })
	assert.True(t, errors.Is(err, sentinel.ErrTopologyMissing))

	ch := staticHash(t, owners("B"))
	b.install(t, cluster.NewTopology(1, ch, ch), false)

	var seen int
	require.NoError(t, b.consumer.WithTopology(func(top *cluster.Topology) error {
		seen = top.ID

		return nil
	}))
	assert.Equal(t, 1, seen)
}

func TestConsumer_ReplacesSourceThatStopsSending(t *testing.T) {
	tr := newHookTransport()
	coord := &recordingCoordinator{}

	a := newTestNode("A", tr)
	c := newTestNode("C", tr)
	b := newTestNode("B", tr, WithCoordinator(coord), WithTimeout(200*time.Millisecond))

	t.Cleanup(a.stop)
	t.Cleanup(b.stop)
	t.Cleanup(c.stop)

	read := staticHash(t, owners("A", "C"), owners("A", "C"))
	a.install(t, cluster.NewTopology(1, read, read), false)
	c.install(t, cluster.NewTopology(1, read, read), false)

	put(a.data, "0-a", "x")
	put(a.data, "1-b", "y")
	put(c.data, "0-a", "x")
	put(c.data, "1-b", "y")

	waitFor(t, func() bool {
		return !a.consumer.IsStateTransferInProgress() && !c.consumer.IsStateTransferInProgress()
	})

	// C accepts the request, then its first push is lost
	dropped := atomic.NewBool(false)

	tr.setOnPush(func(_ context.Context, push StatePush) error {
		if push.Sender == "C" && dropped.CompareAndSwap(false, true) {
			return errors.New("connection reset")
		}

		return nil
	})

	write := staticHash(t, owners("A", "C", "B"), owners("A", "C", "B"))
	rebalance := cluster.NewTopology(2, read, write)

	a.install(t, rebalance, true)
	c.install(t, rebalance, true)
	b.install(t, rebalance, true)

	waitFor(t, func() bool { return coord.count() == 1 })

	assert.True(t, dropped.Load())
	assert.Equal(t, 2, b.data.Len())
	assert.Equal(t, 1, tr.requests("C", 2))
	assert.Equal(t, 1, tr.requests("A", 2))
	assert.False(t, b.consumer.IsStateTransferInProgress())
	assert.False(t, b.consumer.IsRebalanceInProgress())
	assert.Equal(t, []int{2}, coord.topologies())
	require.NoError(t, b.consumer.table.checkConsistency())

	waitFor(t, func() bool { return len(tr.cancelNotices("C")) == 2 })
}

func TestConsumer_RetriesUntilLastSource(t *testing.T) {
	tr := newHookTransport()
	coord := &recordingCoordinator{}

	a := newTestNode("A", tr)
	c := newTestNode("C", tr)
	d := newTestNode("D", tr)
	b := newTestNode("B", tr, WithCoordinator(coord))

	for _, n := range []*testNode{a, b, c, d} {
		t.Cleanup(n.stop)
	}

	read := staticHash(t, owners("A", "C", "D"), owners("A", "C", "D"))
	for _, n := range []*testNode{a, c, d} {
		n.install(t, cluster.NewTopology(1, read, read), false)
		put(n.data, "0-a", "x")
		put(n.data, "1-b", "y")
	}

	waitFor(t, func() bool {
		return !a.consumer.IsStateTransferInProgress() &&
			!c.consumer.IsStateTransferInProgress() &&
			!d.consumer.IsStateTransferInProgress()
	})

	tr.fail("C", errors.New("unreachable"))
	tr.fail("D", errors.New("unreachable"))

	write := staticHash(t, owners("A", "C", "D", "B"), owners("A", "C", "D", "B"))
	rebalance := cluster.NewTopology(2, read, write)

	for _, n := range []*testNode{a, c, d, b} {
		n.install(t, rebalance, true)
	}

	waitFor(t, func() bool { return coord.count() == 1 })

	assert.Equal(t, 2, b.data.Len())
	assert.Equal(t, 1, tr.requests("D", 2))
	assert.Equal(t, 1, tr.requests("C", 2))
	assert.Equal(t, 1, tr.requests("A", 2))
	require.NoError(t, b.consumer.table.checkConsistency())
}

func TestConsumer_RebalanceDuringPendingTransfer(t *testing.T) {
	coord := &recordingCoordinator{}
	b, _, _ := pullingNode(t, WithCoordinator(coord))

	// same ownership under a newer rebalance: the pending transfer carries over
	read := staticHash(t, owners("A"), owners("A"))
	write := staticHash(t, owners("A"), owners("A", "B"))
	b.install(t, cluster.NewTopology(3, read, write), true)

	assert.Equal(t, 0, coord.count())
	assert.True(t, b.consumer.IsRebalanceInProgress())
	assert.True(t, b.consumer.IsStateTransferInProgressForKey("1-x"))

	last := StateChunk{Segment: 1, Entries: []container.Entry{container.NewEntry("1-x", "v")}, IsLastChunk: true}
	require.NoError(t, b.consumer.ApplyState(t.Context(), "A", 2, []StateChunk{last}))

	waitFor(t, func() bool { return coord.count() == 1 })

	assert.Equal(t, []int{3}, coord.topologies())
	assert.False(t, b.consumer.IsRebalanceInProgress())
	assert.True(t, b.data.Has("1-x"))
}

func TestConsumer_RebalanceRacingLastChunk(t *testing.T) {
	read := staticHash(t, owners("A"), owners("A"))
	write := staticHash(t, owners("A"), owners("A", "B"))
	last := StateChunk{Segment: 1, Entries: []container.Entry{container.NewEntry("1-x", "v")}, IsLastChunk: true}

	for range 20 {
		coord := &recordingCoordinator{}
		b, _, _ := pullingNode(t, WithCoordinator(coord))

		var wg sync.WaitGroup

		wg.Add(2)

		go func() {
			defer wg.Done()

			assert.NoError(t, b.consumer.OnTopologyUpdate(context.Background(), cluster.NewTopology(3, read, write), true))
		}()

		go func() {
			defer wg.Done()

			assert.NoError(t, b.consumer.ApplyState(context.Background(), "A", 2, []StateChunk{last}))
		}()

		wg.Wait()

		waitFor(t, func() bool {
			got := coord.topologies()

			return len(got) > 0 && got[len(got)-1] == 3
		})

		// the chunk may finish the first rebalance before the second one starts, but no
		// rebalance is signalled twice
		got := coord.topologies()
		if len(got) == 2 {
			assert.Equal(t, 2, got[0])
		}

		assert.True(t, len(got) <= 2)
		assert.False(t, b.consumer.IsRebalanceInProgress())
		assert.True(t, b.data.Has("1-x"))
		assert.False(t, b.consumer.IsStateTransferInProgress())

		b.stop()
	}
}

func TestConsumer_ConcurrentInstallsKeepNewest(t *testing.T) {
	tr := newHookTransport()
	b := newTestNode("B", tr)
	t.Cleanup(b.stop)

	ch := staticHash(t, owners("B"))

	const updates = 32

	var wg sync.WaitGroup

	for id := 1; id <= updates; id++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := b.consumer.OnTopologyUpdate(context.Background(), cluster.NewTopology(id, ch, ch), false)
			if err != nil {
				assert.True(t, errors.Is(err, sentinel.ErrStaleTopology))
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, updates, b.consumer.CacheTopology().ID)
	assert.False(t, b.consumer.IsRebalanceInProgress())
}
