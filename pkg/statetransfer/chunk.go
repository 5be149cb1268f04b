package statetransfer

import (
	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/container"
)

// RequestType tells a provider what a StateRequest asks for.
type RequestType int

const (
	// GetTransactions asks for the in-flight transactions touching the segments.
	GetTransactions RequestType = iota + 1
	// GetSegments asks the provider to start streaming the segments.
	GetSegments
	// CancelSegments asks the provider to stop streaming the segments.
	CancelSegments
)

func (t RequestType) String() string {
	switch t {
	case GetTransactions:
		return "get-transactions"
	case GetSegments:
		return "get-segments"
	case CancelSegments:
		return "cancel-segments"
	}

	return "unknown"
}

// StateRequest is sent by a consumer to the node it pulls segments from.
type StateRequest struct {
	Type       RequestType    `json:"type"`
	Cache      string         `json:"cache"`
	Origin     cluster.NodeID `json:"origin"`
	TopologyID int            `json:"topologyId"`
	Segments   []int          `json:"segments"`
}

// StateResponse answers a StateRequest. Only GetTransactions carries a payload.
type StateResponse struct {
	Transactions []TransactionInfo `json:"transactions,omitempty"`
}

// StateChunk is a batch of entries of one segment. The last chunk of a segment has
// IsLastChunk set; an empty segment is sent as a single empty last chunk.
type StateChunk struct {
	Segment     int               `json:"segment"`
	Entries     []container.Entry `json:"entries,omitempty"`
	IsLastChunk bool              `json:"isLastChunk"`
}

// StatePush carries chunks from a provider to the requesting consumer.
type StatePush struct {
	Cache      string         `json:"cache"`
	Sender     cluster.NodeID `json:"sender"`
	TopologyID int            `json:"topologyId"`
	Chunks     []StateChunk   `json:"chunks"`
}

// TransactionInfo describes a transaction that was in flight on the provider when the
// segments were requested.
type TransactionInfo struct {
	GlobalTxID    string            `json:"gtx"`
	Origin        cluster.NodeID    `json:"origin"`
	TopologyID    int               `json:"topologyId"`
	Modifications []container.Entry `json:"modifications,omitempty"`
	LockedKeys    []string          `json:"lockedKeys,omitempty"`
}
