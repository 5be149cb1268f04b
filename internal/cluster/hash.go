package cluster

import (
	"github.com/cespare/xxhash/v2"
	"github.com/howeyc/crc16"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// ConsistentHash maps segments to ordered owner lists. Implementations are immutable
// snapshots; a new topology always carries new hash values.
type ConsistentHash interface {
	// NumSegments returns the fixed number of segments.
	NumSegments() int
	// NumOwners returns the configured number of owners per segment.
	NumOwners() int
	// Members returns the members taking part in this hash, in a stable order.
	Members() []NodeID
	// OwnersOf returns the ordered owners of a segment (primary first).
	OwnersOf(segment int) []NodeID
	// SegmentsOwnedBy returns every segment the node owns (primary or backup).
	SegmentsOwnedBy(node NodeID) SegmentSet
	// SegmentFor maps a key to its segment.
	SegmentFor(key string) int
}

// Segmenter maps a key to a segment in [0, numSegments).
type Segmenter func(key string, numSegments int) int

// XXHashSegmenter is the default key to segment function.
func XXHashSegmenter(key string, numSegments int) int {
	return int(xxhash.Sum64String(key) % uint64(numSegments))
}

// CRC16Segmenter maps keys with CRC16 (IBM table), like slot based caches do.
func CRC16Segmenter(key string, numSegments int) int {
	return int(crc16.Checksum([]byte(key), crc16.IBMTable)) % numSegments
}

// SegmentHash is an immutable owners table: one ordered owner list per segment.
type SegmentHash struct {
	numSegments int
	numOwners   int
	members     []NodeID
	owners      [][]NodeID
	segmenter   Segmenter
}

// HashOption configures a SegmentHash.
type HashOption func(*hashConfig)

type hashConfig struct {
	segmenter    Segmenter
	virtualNodes int
}

// WithSegmenter overrides the key to segment function.
func WithSegmenter(fn Segmenter) HashOption {
	return func(c *hashConfig) {
		if fn != nil {
			c.segmenter = fn
		}
	}
}

// WithHashVirtualNodes sets the virtual nodes used when the owners come from a ring.
func WithHashVirtualNodes(n int) HashOption {
	return func(c *hashConfig) {
		if n > 0 {
			c.virtualNodes = n
		}
	}
}

func applyHashOptions(opts []HashOption) hashConfig {
	cfg := hashConfig{segmenter: XXHashSegmenter, virtualNodes: defaultVirtualNodes}
	for _, o := range opts {
		o(&cfg)
	}

	return cfg
}

// NewRingHash assigns numOwners owners to every segment using a virtual node ring built
// from members.
func NewRingHash(numSegments, numOwners int, members []NodeID, opts ...HashOption) (*SegmentHash, error) {
	if numSegments <= 0 {
		return nil, sentinel.ErrInvalidSegments
	}

	if numOwners <= 0 {
		return nil, sentinel.ErrInvalidOwners
	}

	cfg := applyHashOptions(opts)

	ring := NewRing(WithReplication(numOwners), WithVirtualNodes(cfg.virtualNodes))
	ring.Build(members)

	step := ^uint64(0) / uint64(numSegments)

	owners := make([][]NodeID, numSegments)
	for s := range numSegments {
		owners[s] = ring.LookupToken(step * uint64(s))
	}

	return &SegmentHash{
		numSegments: numSegments,
		numOwners:   numOwners,
		members:     dedupe(members),
		owners:      owners,
		segmenter:   cfg.segmenter,
	}, nil
}

// NewStaticHash builds a hash from an explicit owners table (one entry per segment).
func NewStaticHash(owners [][]NodeID, opts ...HashOption) (*SegmentHash, error) {
	if len(owners) == 0 {
		return nil, sentinel.ErrInvalidSegments
	}

	cfg := applyHashOptions(opts)

	table := make([][]NodeID, len(owners))
	maxOwners := 0

	var members []NodeID

	for s, list := range owners {
		table[s] = dedupe(list)
		maxOwners = max(maxOwners, len(table[s]))
		members = append(members, table[s]...)
	}

	return &SegmentHash{
		numSegments: len(owners),
		numOwners:   max(maxOwners, 1),
		members:     dedupe(members),
		owners:      table,
		segmenter:   cfg.segmenter,
	}, nil
}

// Union returns a hash whose owners per segment are primary's owners followed by the
// owners of secondary that are not already listed. Used as the write hash while a
// rebalance moves segments from the old owners to the new ones.
func Union(primary, secondary ConsistentHash) *SegmentHash {
	n := primary.NumSegments()

	owners := make([][]NodeID, n)
	for s := range n {
		list := append([]NodeID{}, primary.OwnersOf(s)...)
		if s < secondary.NumSegments() {
			list = append(list, secondary.OwnersOf(s)...)
		}

		owners[s] = dedupe(list)
	}

	return &SegmentHash{
		numSegments: n,
		numOwners:   max(primary.NumOwners(), secondary.NumOwners()),
		members:     dedupe(append(append([]NodeID{}, primary.Members()...), secondary.Members()...)),
		owners:      owners,
		segmenter:   segmenterOf(primary),
	}
}

// Prune returns a copy of ch restricted to the given live members. Segments whose
// owners all left end up with an empty owner list.
func Prune(ch ConsistentHash, live []NodeID) *SegmentHash {
	keep := make(map[NodeID]struct{}, len(live))
	for _, id := range live {
		keep[id] = struct{}{}
	}

	filter := func(in []NodeID) []NodeID {
		out := make([]NodeID, 0, len(in))
		for _, id := range in {
			if _, ok := keep[id]; ok {
				out = append(out, id)
			}
		}

		return out
	}

	n := ch.NumSegments()

	owners := make([][]NodeID, n)
	for s := range n {
		owners[s] = filter(ch.OwnersOf(s))
	}

	return &SegmentHash{
		numSegments: n,
		numOwners:   ch.NumOwners(),
		members:     filter(ch.Members()),
		owners:      owners,
		segmenter:   segmenterOf(ch),
	}
}

// NumSegments implements ConsistentHash.
func (h *SegmentHash) NumSegments() int { return h.numSegments }

// NumOwners implements ConsistentHash.
func (h *SegmentHash) NumOwners() int { return h.numOwners }

// Members implements ConsistentHash.
func (h *SegmentHash) Members() []NodeID { return append([]NodeID(nil), h.members...) }

// OwnersOf implements ConsistentHash.
func (h *SegmentHash) OwnersOf(segment int) []NodeID {
	if segment < 0 || segment >= h.numSegments {
		return nil
	}

	return append([]NodeID(nil), h.owners[segment]...)
}

// SegmentsOwnedBy implements ConsistentHash.
func (h *SegmentHash) SegmentsOwnedBy(node NodeID) SegmentSet {
	out := NewSegmentSet()

	for s, list := range h.owners {
		if ContainsNode(list, node) {
			out.Add(s)
		}
	}

	return out
}

// SegmentFor implements ConsistentHash.
func (h *SegmentHash) SegmentFor(key string) int { return h.segmenter(key, h.numSegments) }

func segmenterOf(ch ConsistentHash) Segmenter {
	if sh, ok := ch.(*SegmentHash); ok {
		return sh.segmenter
	}

	return func(key string, _ int) int { return ch.SegmentFor(key) }
}

func dedupe(in []NodeID) []NodeID {
	seen := make(map[NodeID]struct{}, len(in))

	out := make([]NodeID, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
