// Package constants defines default configuration values for the hypergrid system.
// It provides standard settings for segmentation, ownership, state transfer chunking
// and timeouts, and the identifiers of the supported persistent stores.
package constants

import "time"

const (
	// DefaultNumSegments is the default number of segments the key space is split into.
	DefaultNumSegments = 256
	// DefaultNumOwners is the default number of owners per segment.
	DefaultNumOwners = 2
	// DefaultVirtualNodes is the default number of virtual nodes per member on the hash ring.
	DefaultVirtualNodes = 64
	// DefaultChunkSize is the default maximum number of entries sent in a single state chunk.
	DefaultChunkSize = 512
	// DefaultStateTransferTimeout bounds every state transfer RPC.
	DefaultStateTransferTimeout = 30 * time.Second
	// DefaultTopologyWaitTimeout bounds how long a provider waits for a requested topology.
	DefaultTopologyWaitTimeout = 10 * time.Second
	// DefaultPoolSize is the default number of workers executing transfer jobs.
	DefaultPoolSize = 8
	// DefaultCacheName is used when no cache name is configured.
	DefaultCacheName = "default"

	// StoreNone disables the persistent store.
	StoreNone = "none"
	// StorePebble selects the local (non-shared) pebble store.
	StorePebble = "pebble"
	// StoreRedis selects the redis store, usually shared by all nodes.
	StoreRedis = "redis"
)
