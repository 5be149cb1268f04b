package hypergrid

import (
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/dist"
)

// TopologyDoc is the JSON form of a topology, used by the management endpoints to show
// the installed topology and to receive new ones from an external coordinator.
type TopologyDoc struct {
	ID        int        `json:"id"`
	Rebalance bool       `json:"rebalance,omitempty"`
	Members   []string   `json:"members"`
	Read      [][]string `json:"readOwners"`
	// Write defaults to Read.
	Write [][]string `json:"writeOwners,omitempty"`
}

// DescribeTopology returns the document of top.
func DescribeTopology(top *cluster.Topology) TopologyDoc {
	doc := TopologyDoc{
		ID:      top.ID,
		Members: idsToStrings(top.Members),
		Read:    ownersTable(top.ReadCH),
	}

	if top.WriteCH != top.ReadCH {
		doc.Write = ownersTable(top.WriteCH)
		doc.Rebalance = true
	}

	return doc
}

// Build turns the document into a topology segmented as cfg says.
func (d TopologyDoc) Build(cfg dist.Config) (*cluster.Topology, error) {
	if len(d.Read) != cfg.NumSegments {
		return nil, ewrap.Newf("topology %d has %d segments, node uses %d", d.ID, len(d.Read), cfg.NumSegments)
	}

	opts := hashOptions(cfg)

	read, err := cluster.NewStaticHash(stringsToOwners(d.Read), opts...)
	if err != nil {
		return nil, err
	}

	write := read

	if len(d.Write) > 0 {
		if len(d.Write) != len(d.Read) {
			return nil, ewrap.Newf("topology %d: read and write owners differ in length", d.ID)
		}

		write, err = cluster.NewStaticHash(stringsToOwners(d.Write), opts...)
		if err != nil {
			return nil, err
		}
	}

	top := cluster.NewTopology(d.ID, read, write)
	if len(d.Members) > 0 {
		top.Members = make([]cluster.NodeID, 0, len(d.Members))
		for _, m := range d.Members {
			top.Members = append(top.Members, cluster.NodeID(m))
		}
	}

	return top, nil
}

func ownersTable(ch cluster.ConsistentHash) [][]string {
	out := make([][]string, ch.NumSegments())
	for s := range out {
		out[s] = idsToStrings(ch.OwnersOf(s))
	}

	return out
}

func idsToStrings(ids []cluster.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}

	return out
}

func stringsToOwners(table [][]string) [][]cluster.NodeID {
	out := make([][]cluster.NodeID, len(table))
	for s, owners := range table {
		out[s] = make([]cluster.NodeID, len(owners))
		for i, o := range owners {
			out[s][i] = cluster.NodeID(o)
		}
	}

	return out
}
