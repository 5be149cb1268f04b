// Package cluster contains primitives for node identity, membership tracking,
// consistent hashing and topology snapshots used by the state transfer subsystem.
package cluster

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Membership tracks current cluster nodes. Every change bumps the version.
type Membership struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	ver   atomic.Uint64
}

// NewMembership creates an empty membership container.
func NewMembership() *Membership { return &Membership{nodes: map[NodeID]*Node{}} }

// Upsert adds or updates a node.
func (m *Membership) Upsert(n *Node) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n.LastSeen = time.Now()
	m.nodes[n.ID] = n

	return m.ver.Add(1)
}

// List returns current nodes snapshot.
func (m *Membership) List() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Node, 0, len(m.nodes))
	for _, v := range m.nodes {
		if v == nil {
			continue
		}

		cp := *v

		out = append(out, &cp)
	}

	return out
}

// Get returns a copy of the node with the given id.
func (m *Membership) Get(id NodeID) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return nil, false
	}

	cp := *n

	return &cp, true
}

// Members returns the ids of the nodes that are not dead, sorted.
func (m *Membership) Members() []NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]NodeID, 0, len(m.nodes))
	for id, n := range m.nodes {
		if n.State != NodeDead {
			out = append(out, id)
		}
	}

	slices.Sort(out)

	return out
}

// Remove deletes a node from membership. Returns true if removed.
func (m *Membership) Remove(id NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		return false
	}

	delete(m.nodes, id)
	m.ver.Add(1)

	return true
}

// Mark updates node state + incarnation and refreshes LastSeen. Returns true if node exists.
func (m *Membership) Mark(id NodeID, state NodeState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if ok {
		if n.State != state {
			m.ver.Add(1)
		}

		n.State = state
		n.Incarnation++
		n.LastSeen = time.Now()
	}

	return ok
}

// Version returns current membership version.
func (m *Membership) Version() uint64 { return m.ver.Load() }
