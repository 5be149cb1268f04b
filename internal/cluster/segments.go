package cluster

import (
	"slices"
	"strconv"
	"strings"
)

// SegmentSet is a set of segment ids. The zero value is not usable; use NewSegmentSet.
type SegmentSet map[int]struct{}

// NewSegmentSet returns a set holding ids.
func NewSegmentSet(ids ...int) SegmentSet {
	s := make(SegmentSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}

	return s
}

// Add inserts ids.
func (s SegmentSet) Add(ids ...int) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// AddAll inserts every id of other.
func (s SegmentSet) AddAll(other SegmentSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Remove deletes ids.
func (s SegmentSet) Remove(ids ...int) {
	for _, id := range ids {
		delete(s, id)
	}
}

// RemoveAll deletes every id of other.
func (s SegmentSet) RemoveAll(other SegmentSet) {
	for id := range other {
		delete(s, id)
	}
}

// Has reports whether id is in the set.
func (s SegmentSet) Has(id int) bool {
	_, ok := s[id]

	return ok
}

// Len returns the number of segments.
func (s SegmentSet) Len() int { return len(s) }

// Empty reports whether the set holds no segment.
func (s SegmentSet) Empty() bool { return len(s) == 0 }

// Clone returns an independent copy.
func (s SegmentSet) Clone() SegmentSet {
	out := make(SegmentSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}

	return out
}

// Minus returns s - other as a new set.
func (s SegmentSet) Minus(other SegmentSet) SegmentSet {
	out := make(SegmentSet, len(s))
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}

	return out
}

// Intersect returns the segments present in both sets.
func (s SegmentSet) Intersect(other SegmentSet) SegmentSet {
	out := make(SegmentSet)
	for id := range s {
		if other.Has(id) {
			out[id] = struct{}{}
		}
	}

	return out
}

// Equal reports whether both sets hold the same segments.
func (s SegmentSet) Equal(other SegmentSet) bool {
	if len(s) != len(other) {
		return false
	}

	for id := range s {
		if !other.Has(id) {
			return false
		}
	}

	return true
}

// Sorted returns the segments in ascending order.
func (s SegmentSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for id := range s {
		out = append(out, id)
	}

	slices.Sort(out)

	return out
}

func (s SegmentSet) String() string {
	ids := s.Sorted()

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}

	return "{" + strings.Join(parts, ",") + "}"
}
