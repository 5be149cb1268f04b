package statetransfer

import (
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyp3rd/hypergrid/internal/cluster"
)

func testEnv() taskEnv {
	return taskEnv{cache: "test", self: "self", transport: NewInProcessTransport(), timeout: 100 * time.Millisecond}
}

func addTask(tt *transferTable, source cluster.NodeID, segs ...int) *InboundTransferTask {
	return tt.add(cluster.NewSegmentSet(segs...), func(free cluster.SegmentSet) *InboundTransferTask {
		return newInboundTask(free, source, 1, testEnv())
	})
}

func TestTransferTable_AtMostOneTaskPerSegment(t *testing.T) {
	tt := newTransferTable()

	a := addTask(tt, "A", 1, 2, 3)
	require.NotNil(t, a)

	b := addTask(tt, "B", 2, 3, 4)
	require.NotNil(t, b)
	assert.True(t, b.Segments().Equal(cluster.NewSegmentSet(4)))

	assert.Nil(t, addTask(tt, "C", 1, 4))

	got, ok := tt.lookup(3)
	assert.True(t, ok)
	assert.Equal(t, a, got)

	require.NoError(t, tt.checkConsistency())
}

func TestTransferTable_SegmentReceivedCompletes(t *testing.T) {
	tt := newTransferTable()
	task := addTask(tt, "A", 1, 2)

	assert.False(t, tt.segmentReceived(task, 1, false))

	_, ok := tt.lookup(1)
	assert.True(t, ok)

	assert.False(t, tt.segmentReceived(task, 1, true))

	_, ok = tt.lookup(1)
	assert.False(t, ok)
	require.NoError(t, tt.checkConsistency())

	// a duplicate last chunk changes nothing
	assert.False(t, tt.segmentReceived(task, 1, true))

	assert.True(t, tt.segmentReceived(task, 2, true))
	assert.True(t, tt.empty())
	assert.Equal(t, TaskCompleted, task.State())

	ok, err := task.Completion().Wait(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransferTable_CancelSegments(t *testing.T) {
	tt := newTransferTable()
	a := addTask(tt, "A", 1, 2)
	b := addTask(tt, "B", 3)

	emptied := tt.cancelSegments(cluster.NewSegmentSet(2, 3))

	assert.Equal(t, 1, len(emptied))
	assert.Equal(t, b, emptied[0])
	assert.Equal(t, TaskCancelled, b.State())
	assert.True(t, a.Segments().Equal(cluster.NewSegmentSet(1)))
	assert.True(t, tt.covered().Equal(cluster.NewSegmentSet(1)))
	require.NoError(t, tt.checkConsistency())
}

func TestTransferTable_RemoveSourcesNotIn(t *testing.T) {
	tt := newTransferTable()
	a := addTask(tt, "A", 1, 2)
	addTask(tt, "B", 3)

	orphaned := tt.removeSourcesNotIn([]cluster.NodeID{"B"})

	assert.True(t, orphaned.Equal(cluster.NewSegmentSet(1, 2)))
	assert.Equal(t, TaskCancelled, a.State())
	assert.False(t, tt.remove(a))

	snap := tt.bySourceSnapshot()
	assert.Equal(t, 1, len(snap))
	assert.Equal(t, []int{3}, snap["B"])
	require.NoError(t, tt.checkConsistency())
}

func TestTransferTable_RemoveOnce(t *testing.T) {
	tt := newTransferTable()
	task := addTask(tt, "A", 1)

	assert.True(t, tt.remove(task))
	assert.False(t, tt.remove(task))
	assert.True(t, tt.empty())
}

func TestTransferTable_Clear(t *testing.T) {
	tt := newTransferTable()
	a := addTask(tt, "A", 1)
	b := addTask(tt, "B", 2)

	tt.clear()

	assert.True(t, tt.empty())
	assert.True(t, tt.covered().Empty())
	assert.Equal(t, TaskCancelled, a.State())
	assert.Equal(t, TaskCancelled, b.State())
}
