package cluster

import (
	"testing"

	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanner_InitialIsStable(t *testing.T) {
	p := NewPlanner(16, 2)

	top, err := p.Initial(1, []NodeID{"A", "B"})
	require.NoError(t, err)

	assert.Equal(t, 1, top.ID)
	assert.Equal(t, 16, top.NumSegments())
	assert.True(t, top.IsMember("A"))
	assert.False(t, top.IsMember("C"))

	// two owners, two members: everyone owns everything
	assert.True(t, OwnedSegments(top.ReadCH, "A").Equal(AllSegments(16)))
	assert.True(t, OwnedSegments(top.WriteCH, "B").Equal(AllSegments(16)))
}

func TestPlanner_RebalanceJoin(t *testing.T) {
	p := NewPlanner(32, 1)

	initial, err := p.Initial(1, []NodeID{"A"})
	require.NoError(t, err)

	reb, err := p.Rebalance(2, initial, []NodeID{"A", "B"})
	require.NoError(t, err)

	// reads stay on the old owner, writes reach both old and new owners
	assert.True(t, OwnedSegments(reb.ReadCH, "A").Equal(AllSegments(32)))
	assert.True(t, OwnedSegments(reb.ReadCH, "B").Empty())
	assert.True(t, OwnedSegments(reb.WriteCH, "A").Equal(AllSegments(32)))
	assert.True(t, reb.IsMember("B"))

	final, err := p.Finish(3, reb)
	require.NoError(t, err)

	a := OwnedSegments(final.WriteCH, "A")
	b := OwnedSegments(final.WriteCH, "B")

	assert.Equal(t, 32, a.Len()+b.Len())
	assert.True(t, a.Intersect(b).Empty())
	assert.True(t, b.Minus(OwnedSegments(reb.WriteCH, "B")).Empty())
}

func TestPlanner_RebalanceLeave(t *testing.T) {
	p := NewPlanner(16, 1)

	initial, err := p.Initial(1, []NodeID{"A", "B"})
	require.NoError(t, err)

	reb, err := p.Rebalance(2, initial, []NodeID{"A"})
	require.NoError(t, err)

	assert.False(t, reb.IsMember("B"))
	assert.True(t, OwnedSegments(reb.ReadCH, "B").Empty())
	assert.True(t, OwnedSegments(reb.WriteCH, "A").Equal(AllSegments(16)))

	// segments that only lived on B have no read owner left
	lost := AllSegments(16).Minus(OwnedSegments(initial.ReadCH, "A"))
	for _, s := range lost.Sorted() {
		assert.Equal(t, 0, len(reb.ReadCH.OwnersOf(s)))
	}
}

func TestSegmentSet_Operations(t *testing.T) {
	a := NewSegmentSet(1, 2, 3)
	b := NewSegmentSet(3, 4)

	assert.Equal(t, []int{1, 2}, a.Minus(b).Sorted())
	assert.Equal(t, []int{3}, a.Intersect(b).Sorted())

	c := a.Clone()
	c.AddAll(b)
	c.Remove(1)

	assert.Equal(t, []int{2, 3, 4}, c.Sorted())
	assert.Equal(t, 3, a.Len())
	assert.True(t, a.Has(1))
	assert.False(t, NewSegmentSet().Has(0))
}

func TestMembership_VersionBumps(t *testing.T) {
	m := NewMembership()

	v1 := m.Upsert(NewNode("A", "127.0.0.1:7001"))
	v2 := m.Upsert(NewNode("B", "127.0.0.1:7002"))

	assert.True(t, v2 > v1)
	assert.Equal(t, []NodeID{"A", "B"}, m.Members())

	assert.True(t, m.Mark("B", NodeDead))
	assert.Equal(t, []NodeID{"A"}, m.Members())
	assert.True(t, m.Version() > v2)

	assert.True(t, m.Remove("A"))
	assert.False(t, m.Remove("A"))

	_, ok := m.Get("A")
	assert.False(t, ok)
}

func TestNode_Validate(t *testing.T) {
	assert.NoError(t, NewNode("", "127.0.0.1:7001").Validate())
	require.Error(t, NewNode("x", "nope").Validate())

	n := NewNode("", "127.0.0.1:7001")
	assert.Equal(t, 16, len(string(n.ID)))
}
