package cluster

// Topology is an immutable, versioned snapshot of segment ownership. During a
// rebalance ReadCH still describes where the data lives while WriteCH already
// includes the new owners; outside a rebalance both are the same hash.
type Topology struct {
	ID      int
	ReadCH  ConsistentHash
	WriteCH ConsistentHash
	Members []NodeID
}

// NewTopology builds a topology; members are the union of both hashes' members.
func NewTopology(id int, readCH, writeCH ConsistentHash) *Topology {
	if writeCH == nil {
		writeCH = readCH
	}

	members := dedupe(append(readCH.Members(), writeCH.Members()...))

	return &Topology{ID: id, ReadCH: readCH, WriteCH: writeCH, Members: members}
}

// IsMember reports whether the node is part of this topology.
func (t *Topology) IsMember(id NodeID) bool { return ContainsNode(t.Members, id) }

// SegmentFor maps a key with the read hash; segmentation does not depend on owners.
func (t *Topology) SegmentFor(key string) int { return t.ReadCH.SegmentFor(key) }

// NumSegments returns the number of segments of the topology.
func (t *Topology) NumSegments() int { return t.WriteCH.NumSegments() }

// OwnedSegments returns the segments the node owns under ch, or an empty set when the
// node is not a member of ch.
func OwnedSegments(ch ConsistentHash, id NodeID) SegmentSet {
	if ch == nil || !ContainsNode(ch.Members(), id) {
		return NewSegmentSet()
	}

	return ch.SegmentsOwnedBy(id)
}

// AllSegments returns {0..n-1}.
func AllSegments(n int) SegmentSet {
	s := make(SegmentSet, n)
	for i := range n {
		s[i] = struct{}{}
	}

	return s
}
