package cluster

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Ring implements a consistent hashing ring with virtual nodes. It is the default
// owner-assignment function behind SegmentHash: every segment maps to a token on the
// ring and the owners are the first distinct members found clockwise from it.
type Ring struct {
	mu          sync.RWMutex
	vnodes      []vnode
	vnPerNode   int
	replication int
}

type vnode struct {
	hash uint64
	nid  NodeID
}

// RingOption configures ring.
type RingOption func(*Ring)

// WithVirtualNodes sets the number of virtual nodes per physical node.
func WithVirtualNodes(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.vnPerNode = n
		}
	}
}

// WithReplication sets the replication factor (number of owners per segment).
func WithReplication(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.replication = n
		}
	}
}

const (
	defaultVirtualNodes = 64
)

// NewRing constructs a new Ring applying provided options.
func NewRing(opts ...RingOption) *Ring {
	r := &Ring{vnPerNode: defaultVirtualNodes, replication: 1}
	for _, o := range opts {
		o(r)
	}

	return r
}

// Build rebuilds the ring using the supplied member list (copy-on-write).
func (r *Ring) Build(members []NodeID) {
	vn := make([]vnode, 0, len(members)*r.vnPerNode)
	for _, id := range members {
		base := []byte(id)
		for i := range r.vnPerNode {
			// node id followed by the vnode index; fresh slice so base is never aliased
			buf := make([]byte, len(base)+2)
			copy(buf, base)

			buf[len(base)] = byte(i)
			buf[len(base)+1] = byte(i >> byteShift)

			vn = append(vn, vnode{hash: xxhash.Sum64(buf), nid: id})
		}
	}

	sort.Slice(vn, func(i, j int) bool { return vn[i].hash < vn[j].hash })
	r.mu.Lock()

	r.vnodes = vn
	r.mu.Unlock()
}

// LookupToken returns the owners for an arbitrary ring position.
func (r *Ring) LookupToken(target uint64) []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 {
		return nil
	}

	idx := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= target })
	if idx == len(r.vnodes) {
		idx = 0
	}

	res := make([]NodeID, 0, r.replication)
	seen := make(map[NodeID]struct{})

	for i := 0; len(res) < r.replication && i < len(r.vnodes); i++ {
		vn := r.vnodes[(idx+i)%len(r.vnodes)]
		if _, ok := seen[vn.nid]; ok {
			continue
		}

		seen[vn.nid] = struct{}{}
		res = append(res, vn.nid)
	}

	return res
}
