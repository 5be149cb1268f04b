package statetransfer

import (
	"context"
	"strings"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/container"
)

// Flags modify how a write travels through the WritePipeline.
type Flags uint16

const (
	// CacheModeLocal applies the write on this node only.
	CacheModeLocal Flags = 1 << iota
	// SkipLocking bypasses key locks.
	SkipLocking
	// SkipSharedStore leaves a shared persistent store untouched.
	SkipSharedStore
	// SkipOwnershipCheck writes even when the node does not own the key.
	SkipOwnershipCheck
	// IgnoreReturnValues skips loading the previous value.
	IgnoreReturnValues
	// PutIfAbsent never overwrites an existing key.
	PutIfAbsent
	// Versioned overwrites only when the incoming version is strictly newer.
	Versioned
)

// StateTransferPutFlags are the flags used to apply received state.
const StateTransferPutFlags = CacheModeLocal | SkipLocking | SkipSharedStore |
	SkipOwnershipCheck | IgnoreReturnValues | PutIfAbsent

// InvalidateFlags are the flags used to drop segments the node no longer owns.
const InvalidateFlags = CacheModeLocal | SkipLocking

// Has reports whether every bit of o is set.
func (f Flags) Has(o Flags) bool { return f&o == o }

func (f Flags) String() string {
	names := []struct {
		flag Flags
		name string
	}{
		{CacheModeLocal, "local"},
		{SkipLocking, "skip-locking"},
		{SkipSharedStore, "skip-shared-store"},
		{SkipOwnershipCheck, "skip-ownership"},
		{IgnoreReturnValues, "ignore-return"},
		{PutIfAbsent, "put-if-absent"},
		{Versioned, "versioned"},
	}

	parts := make([]string, 0, len(names))
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}

	return strings.Join(parts, "|")
}

// WritePipeline is the write path shared by user writes and applied state.
type WritePipeline interface {
	// ApplyPut writes one entry. It reports whether the entry was stored; a put-if-absent
	// or versioned put that lost against existing data returns false and no error.
	ApplyPut(ctx context.Context, entry container.Entry, flags Flags) (bool, error)
	// ApplyInvalidate drops keys locally.
	ApplyInvalidate(ctx context.Context, keys []string, flags Flags) error
}

// DataContainer is the read side of the local in-memory data.
type DataContainer interface {
	Get(key string) (container.Entry, bool)
	Keys() []string
	IterBuffered() <-chan container.Entry
	Len() int
}

// LocalStore is an optional persistent store behind the container.
type LocalStore interface {
	LoadAllKeys(ctx context.Context) ([]string, error)
	Load(ctx context.Context, key string) (container.Entry, bool, error)
	Store(ctx context.Context, entry container.Entry) error
	Delete(ctx context.Context, key string) error
	// Shared reports whether every node sees the same store. Shared stores are never
	// transferred or purged by state transfer.
	Shared() bool
}

// TransactionTable tracks transactions for transactional caches.
type TransactionTable interface {
	// InFlight returns the transactions holding locks or modifications in the segments.
	InFlight(segments cluster.SegmentSet, segmentFor func(key string) int) []TransactionInfo
	// RegisterRemote creates the remote transaction if unknown and adds a backup lock for
	// every locked key.
	RegisterRemote(info TransactionInfo)
}

// Coordinator is told when this node finished receiving the state of a rebalance.
type Coordinator interface {
	NotifyRebalanceComplete(node cluster.NodeID, topologyID int)
}

// Executor runs jobs on a bounded set of workers.
type Executor interface {
	Enqueue(ctx context.Context, job func() error) error
}

// goExecutor runs every job on its own goroutine.
type goExecutor struct{}

func (goExecutor) Enqueue(ctx context.Context, job func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	go func() { _ = job() }()

	return nil
}
