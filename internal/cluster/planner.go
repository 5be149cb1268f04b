package cluster

// Planner derives topologies from membership changes the way a topology coordinator
// does: a membership change first installs a rebalance topology (old owners pruned of
// leavers for reads, union of new and old owners for writes), and once every member
// reports its transfers done, the stable topology (new owners only) replaces it.
type Planner struct {
	numSegments int
	numOwners   int
	opts        []HashOption
}

// NewPlanner returns a planner for the given segmentation.
func NewPlanner(numSegments, numOwners int, opts ...HashOption) *Planner {
	return &Planner{numSegments: numSegments, numOwners: numOwners, opts: opts}
}

// Initial builds the first stable topology for members.
func (p *Planner) Initial(id int, members []NodeID) (*Topology, error) {
	ch, err := NewRingHash(p.numSegments, p.numOwners, members, p.opts...)
	if err != nil {
		return nil, err
	}

	return NewTopology(id, ch, ch), nil
}

// Rebalance builds the transitional topology moving current to members.
func (p *Planner) Rebalance(id int, current *Topology, members []NodeID) (*Topology, error) {
	target, err := NewRingHash(p.numSegments, p.numOwners, members, p.opts...)
	if err != nil {
		return nil, err
	}

	if current == nil {
		return NewTopology(id, target, target), nil
	}

	read := Prune(current.WriteCH, members)
	write := Union(target, read)

	t := NewTopology(id, read, write)
	t.Members = append([]NodeID(nil), dedupe(members)...)

	return t, nil
}

// Finish builds the stable topology closing a rebalance.
func (p *Planner) Finish(id int, rebalance *Topology) (*Topology, error) {
	target, err := NewRingHash(p.numSegments, p.numOwners, rebalance.Members, p.opts...)
	if err != nil {
		return nil, err
	}

	return NewTopology(id, target, target), nil
}
