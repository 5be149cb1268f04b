package statetransfer

import (
	"github.com/hyp3rd/hypergrid/internal/cluster"
)

// RehashEvent is fired twice per rebalance: once before data moves (Pre) and once
// after this node received everything it had to pull.
type RehashEvent struct {
	Pre            bool
	TopologyID     int
	StartCH        cluster.ConsistentHash
	EndCH          cluster.ConsistentHash
	MembersAtStart []cluster.NodeID
	MembersAtEnd   []cluster.NodeID
}

// RehashListener receives data rehashed events.
type RehashListener interface {
	OnDataRehashed(ev RehashEvent)
}

// RehashListenerFunc adapts a function to RehashListener.
type RehashListenerFunc func(ev RehashEvent)

// OnDataRehashed implements RehashListener.
func (f RehashListenerFunc) OnDataRehashed(ev RehashEvent) { f(ev) }

func newRehashEvent(pre bool, top *cluster.Topology) RehashEvent {
	return RehashEvent{
		Pre:            pre,
		TopologyID:     top.ID,
		StartCH:        top.ReadCH,
		EndCH:          top.WriteCH,
		MembersAtStart: top.ReadCH.Members(),
		MembersAtEnd:   top.WriteCH.Members(),
	}
}

// SourceSelector picks the owner a segment is pulled from.
type SourceSelector interface {
	// Select returns the first owner accepted by eligible, in the selector's order.
	Select(owners []cluster.NodeID, eligible func(cluster.NodeID) bool) (cluster.NodeID, bool)
}

// NewestOwnerFirst scans owners from last to first: later owners joined more recently
// and are usually less loaded.
type NewestOwnerFirst struct{}

// Select implements SourceSelector.
func (NewestOwnerFirst) Select(owners []cluster.NodeID, eligible func(cluster.NodeID) bool) (cluster.NodeID, bool) {
	for i := len(owners) - 1; i >= 0; i-- {
		if eligible(owners[i]) {
			return owners[i], true
		}
	}

	return "", false
}

// PrimaryOwnerFirst scans owners in order, primary first.
type PrimaryOwnerFirst struct{}

// Select implements SourceSelector.
func (PrimaryOwnerFirst) Select(owners []cluster.NodeID, eligible func(cluster.NodeID) bool) (cluster.NodeID, bool) {
	for _, o := range owners {
		if eligible(o) {
			return o, true
		}
	}

	return "", false
}
