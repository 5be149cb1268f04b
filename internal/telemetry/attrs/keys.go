// Package attrs defines telemetry attribute keys used for observability across the
// hypergrid system. These constants provide standardized key names for metrics,
// traces and logs so that the state transfer components and transport middlewares
// report consistent telemetry.
package attrs

const (
	// AttrNode identifies the remote node an operation targets.
	AttrNode = "node"
	// AttrOperation names the transport operation (request-segments, push-state, ...).
	AttrOperation = "op"
	// AttrTopologyID carries the topology id a request or chunk refers to.
	AttrTopologyID = "topology.id"
	// AttrSegmentsCount is the number of segments carried by a request.
	AttrSegmentsCount = "segments.count"
	// AttrChunksCount is the number of chunks carried by a state push.
	AttrChunksCount = "chunks.count"
	// AttrEntriesCount is the number of entries carried by a state push.
	AttrEntriesCount = "entries.count"
	// AttrOutcome reports whether an operation succeeded.
	AttrOutcome = "outcome"
)
