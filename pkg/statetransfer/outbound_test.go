package statetransfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/container"
)

type pushRecorder struct {
	mu     sync.Mutex
	pushes []StatePush
	block  chan struct{}
}

func (*pushRecorder) HandleStateRequest(context.Context, StateRequest) (StateResponse, error) {
	return StateResponse{}, nil
}

func (r *pushRecorder) HandleStatePush(ctx context.Context, push StatePush) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	r.pushes = append(r.pushes, push)
	r.mu.Unlock()

	return nil
}

func (r *pushRecorder) chunks() []StateChunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []StateChunk
	for _, p := range r.pushes {
		out = append(out, p.Chunks...)
	}

	return out
}

func newTestProvider(t *testing.T, data *container.Container, tr Transport, opts ...Option) *Provider {
	t.Helper()

	p := NewProvider("A", data, tr, append([]Option{WithTimeout(time.Second), WithTopologyWait(200 * time.Millisecond)}, opts...)...)
	t.Cleanup(p.Stop)

	ch := staticHash(t, owners("A", "B"), owners("A", "B"), owners("A"))
	p.OnTopologyUpdate(cluster.NewTopology(1, ch, ch), false)

	return p
}

func TestOutbound_SingleChunkWithLastFlag(t *testing.T) {
	data := container.New()
	put(data, "0-a", "x")
	put(data, "0-b", "y")
	put(data, "2-c", "z")

	tr := NewInProcessTransport()
	rec := &pushRecorder{}
	tr.Register("B", rec)

	p := newTestProvider(t, data, tr)

	require.NoError(t, p.StartOutboundTransfer(t.Context(), "B", 1, cluster.NewSegmentSet(0)))
	waitFor(t, func() bool { return !p.IsStateTransferInProgress() })

	chunks := rec.chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Segment)
	assert.Equal(t, 2, len(chunks[0].Entries))
	assert.True(t, chunks[0].IsLastChunk)
}

func TestOutbound_EmptySegmentStillEnds(t *testing.T) {
	tr := NewInProcessTransport()
	rec := &pushRecorder{}
	tr.Register("B", rec)

	p := newTestProvider(t, container.New(), tr)

	require.NoError(t, p.StartOutboundTransfer(t.Context(), "B", 1, cluster.NewSegmentSet(0, 1)))
	waitFor(t, func() bool { return !p.IsStateTransferInProgress() })

	chunks := rec.chunks()
	require.Len(t, chunks, 2)

	for _, c := range chunks {
		assert.True(t, c.IsLastChunk)
		assert.Equal(t, 0, len(c.Entries))
	}
}

func TestOutbound_ChunkSizeSplitsSegment(t *testing.T) {
	data := container.New()
	for _, k := range []string{"1-a", "1-b", "1-c", "1-d", "1-e"} {
		put(data, k, k)
	}

	tr := NewInProcessTransport()
	rec := &pushRecorder{}
	tr.Register("B", rec)

	p := newTestProvider(t, data, tr, WithChunkSize(2))

	require.NoError(t, p.StartOutboundTransfer(t.Context(), "B", 1, cluster.NewSegmentSet(1)))
	waitFor(t, func() bool { return !p.IsStateTransferInProgress() })

	chunks := rec.chunks()
	require.Len(t, chunks, 3)

	total, last := 0, 0
	for _, c := range chunks {
		total += len(c.Entries)
		if c.IsLastChunk {
			last++
		}
	}

	assert.Equal(t, 5, total)
	assert.Equal(t, 1, last)
	assert.True(t, chunks[2].IsLastChunk)
}

func TestOutbound_SkipsExpiredEntries(t *testing.T) {
	data := container.New()
	put(data, "0-live", "x")

	expired := container.NewEntry("0-old", "y")
	expired.Metadata.Lifespan = time.Millisecond
	expired.Metadata.Created = time.Now().Add(-time.Hour)
	data.Put(expired)

	tr := NewInProcessTransport()
	rec := &pushRecorder{}
	tr.Register("B", rec)

	p := newTestProvider(t, data, tr)

	require.NoError(t, p.StartOutboundTransfer(t.Context(), "B", 1, cluster.NewSegmentSet(0)))
	waitFor(t, func() bool { return !p.IsStateTransferInProgress() })

	chunks := rec.chunks()
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0].Entries, 1)
	assert.Equal(t, "0-live", chunks[0].Entries[0].Key)
}

func TestOutbound_CancelInterruptsBlockedPush(t *testing.T) {
	data := container.New()
	put(data, "0-a", "x")

	tr := NewInProcessTransport()
	rec := &pushRecorder{block: make(chan struct{})}
	tr.Register("B", rec)

	p := newTestProvider(t, data, tr)

	require.NoError(t, p.StartOutboundTransfer(t.Context(), "B", 1, cluster.NewSegmentSet(0)))

	p.mu.Lock()
	task := p.transfers["B"][0]
	p.mu.Unlock()

	waitFor(t, func() bool { return task.State() == TaskRequesting })

	p.CancelOutboundTransfer("B", 1, cluster.NewSegmentSet(0))

	waitFor(t, func() bool { return !p.IsStateTransferInProgress() })

	assert.Equal(t, TaskCancelled, task.State())
	assert.Equal(t, 0, len(rec.chunks()))
	assert.True(t, errors.Is(task.Execute(t.Context()), sentinel.ErrTaskTerminated))
}

func TestOutbound_NewRequestReplacesOverlappingTask(t *testing.T) {
	tr := NewInProcessTransport()
	rec := &pushRecorder{block: make(chan struct{})}
	tr.Register("B", rec)

	p := newTestProvider(t, container.New(), tr)

	require.NoError(t, p.StartOutboundTransfer(t.Context(), "B", 1, cluster.NewSegmentSet(0, 1)))
	require.NoError(t, p.StartOutboundTransfer(t.Context(), "B", 1, cluster.NewSegmentSet(1)))

	// only the newest task still sends segment 1
	out := p.OutboundTransfers()
	assert.Equal(t, []int{0, 1}, out["B"])

	p.mu.Lock()
	first := p.transfers["B"][0]
	p.mu.Unlock()

	assert.True(t, first.Segments().Equal(cluster.NewSegmentSet(0)))

	close(rec.block)
	waitFor(t, func() bool { return !p.IsStateTransferInProgress() })
}

func TestProvider_WaitsForTopology(t *testing.T) {
	tr := NewInProcessTransport()
	p := newTestProvider(t, container.New(), tr)

	_, err := p.HandleRequest(t.Context(), StateRequest{Type: GetSegments, Origin: "B", TopologyID: 5, Segments: []int{0}})
	assert.True(t, errors.Is(err, sentinel.ErrTimeoutOrCanceled))

	resp, err := p.HandleRequest(t.Context(), StateRequest{Type: GetTransactions, Origin: "B", TopologyID: 1, Segments: []int{0}})
	require.NoError(t, err)
	assert.Equal(t, 0, len(resp.Transactions))
}

func TestProvider_CancelsTransfersToLeavers(t *testing.T) {
	tr := NewInProcessTransport()
	rec := &pushRecorder{block: make(chan struct{})}
	tr.Register("B", rec)

	p := newTestProvider(t, container.New(), tr)
	require.NoError(t, p.StartOutboundTransfer(t.Context(), "B", 1, cluster.NewSegmentSet(0)))

	ch := staticHash(t, owners("A"), owners("A"), owners("A"))
	p.OnTopologyUpdate(cluster.NewTopology(2, ch, ch), false)

	waitFor(t, func() bool { return !p.IsStateTransferInProgress() })
}

// busyExecutor never has a free worker.
type busyExecutor struct{}

func (busyExecutor) Enqueue(ctx context.Context, _ func() error) error {
	<-ctx.Done()

	return ctx.Err()
}

func TestProvider_BusyExecutorReleasesRequest(t *testing.T) {
	tr := NewInProcessTransport()
	p := newTestProvider(t, container.New(), tr, WithExecutor(busyExecutor{}))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()

	_, err := p.HandleRequest(ctx, StateRequest{Type: GetSegments, Origin: "B", TopologyID: 1, Segments: []int{0}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, time.Since(start) < 500*time.Millisecond)
	assert.False(t, p.IsStateTransferInProgress())

	// without a caller deadline the state transfer timeout bounds the wait
	start = time.Now()

	err = p.StartOutboundTransfer(context.Background(), "B", 1, cluster.NewSegmentSet(1))
	require.Error(t, err)
	assert.True(t, time.Since(start) < 3*time.Second)
	assert.False(t, p.IsStateTransferInProgress())
}
