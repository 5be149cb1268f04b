package statetransfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

func TestFuture_FirstCompletionWins(t *testing.T) {
	f := NewFuture[int]()
	assert.False(t, f.IsDone())

	assert.True(t, f.Complete(1, nil))
	assert.False(t, f.Complete(2, errors.New("late")))
	assert.True(t, f.IsDone())

	v, err := f.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	f := NewFuture[bool]()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTopologyWaiter(t *testing.T) {
	w := NewTopologyWaiter()
	assert.Equal(t, -1, w.Current())

	done := make(chan error, 1)

	go func() { done <- w.Wait(t.Context(), 3) }()

	w.Installed(2)

	select {
	case <-done:
		t.Fatal("returned before topology 3")
	case <-time.After(20 * time.Millisecond):
	}

	w.Installed(4)
	require.NoError(t, <-done)

	// ids never go back
	w.Installed(1)
	assert.Equal(t, 4, w.Current())
	require.NoError(t, w.Wait(t.Context(), 4))

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	assert.True(t, errors.Is(w.Wait(ctx, 9), sentinel.ErrTimeoutOrCanceled))
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "local|skip-locking", InvalidateFlags.String())
	assert.True(t, StateTransferPutFlags.Has(PutIfAbsent))
	assert.False(t, StateTransferPutFlags.Has(Versioned))
}

func TestSourceSelectors(t *testing.T) {
	ownersList := owners("A", "B", "C")
	notB := func(id string) bool { return id != "B" }

	got, ok := NewestOwnerFirst{}.Select(ownersList, func(id cluster.NodeID) bool { return notB(string(id)) })
	assert.True(t, ok)
	assert.Equal(t, cluster.NodeID("C"), got)

	got, ok = PrimaryOwnerFirst{}.Select(ownersList, func(id cluster.NodeID) bool { return id != "A" })
	assert.True(t, ok)
	assert.Equal(t, cluster.NodeID("B"), got)

	_, ok = NewestOwnerFirst{}.Select(ownersList, func(cluster.NodeID) bool { return false })
	assert.False(t, ok)
}
