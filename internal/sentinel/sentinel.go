// Package sentinel provides standardized error definitions for the hypergrid system.
// This package centralizes the errors shared by the cluster, state transfer, storage and
// transport components so callers can classify failures with errors.Is.
//
// The errors defined here cover:
// - Invalid configuration parameters (segments, owners, chunk sizes)
// - Topology and membership problems (missing topology, unknown node, stale topology ids)
// - State transfer lifecycle violations (reusing terminated tasks, unsolicited state)
// - Runtime operation errors (timeouts, cancellations, closed pools)
//
// All errors are created using the ewrap package to provide enhanced error
// wrapping and context capabilities.
package sentinel

import (
	"github.com/hyp3rd/ewrap"
)

var (
	// ErrInvalidKey is returned when an empty or whitespace-only key is used.
	ErrInvalidKey = ewrap.New("invalid key")

	// ErrNilValue is returned when a nil value is attempted to be stored.
	ErrNilValue = ewrap.New("nil value")

	// ErrInvalidSize is returned when the encoded size of a value cannot be computed.
	ErrInvalidSize = ewrap.New("invalid size")

	// ErrSerializerNotFound is returned when no serializer is registered under a name.
	ErrSerializerNotFound = ewrap.New("serializer not found")

	// ErrKeyNotFound is returned when a key is not present in the local container or store.
	ErrKeyNotFound = ewrap.New("key not found")

	// ErrInvalidSegments is returned when the number of segments is not positive.
	ErrInvalidSegments = ewrap.New("number of segments must be positive")

	// ErrInvalidSegment is returned when a segment id falls outside [0, numSegments).
	ErrInvalidSegment = ewrap.New("segment out of range")

	// ErrInvalidOwners is returned when the number of owners per segment is not positive.
	ErrInvalidOwners = ewrap.New("number of owners must be positive")

	// ErrInvalidChunkSize is returned when the state transfer chunk size is not positive.
	ErrInvalidChunkSize = ewrap.New("chunk size must be positive")

	// ErrParamCannotBeEmpty is returned when a required parameter is empty.
	ErrParamCannotBeEmpty = ewrap.New("param cannot be empty")

	// ErrTopologyMissing is returned when an operation needs a topology and none was installed yet.
	ErrTopologyMissing = ewrap.New("no topology installed")

	// ErrStaleTopology is returned when a request refers to a topology older than the local one.
	ErrStaleTopology = ewrap.New("stale topology")

	// ErrNotOwner is returned when a write targets a key this node does not own.
	ErrNotOwner = ewrap.New("not owner")

	// ErrNodeNotFound is returned when a transport cannot resolve a node.
	ErrNodeNotFound = ewrap.New("node not found")

	// ErrNoLiveSource is returned when no owner is left to pull a segment from.
	ErrNoLiveSource = ewrap.New("no live owner found for segment")

	// ErrUnsolicitedState is returned when state arrives for a segment with no inbound transfer.
	ErrUnsolicitedState = ewrap.New("unsolicited state")

	// ErrTaskTerminated is returned when a transfer task is reused after reaching a terminal state.
	ErrTaskTerminated = ewrap.New("transfer task already terminated")

	// ErrTransferCancelled is returned when a transfer was cancelled while it was running.
	ErrTransferCancelled = ewrap.New("transfer cancelled")

	// ErrTransferStalled is returned when a source accepted a request but sent nothing for a whole timeout.
	ErrTransferStalled = ewrap.New("transfer stalled")

	// ErrRequestFailed is returned when a remote node answered a state request with an error.
	ErrRequestFailed = ewrap.New("state request failed")

	// ErrPoolClosed is returned when a job is enqueued on a worker pool that was shut down.
	ErrPoolClosed = ewrap.New("worker pool closed")

	// ErrNilClient is returned when a store is created without a client.
	ErrNilClient = ewrap.New("nil client")

	// ErrStoreClosed is returned when a persistent store is used after Close.
	ErrStoreClosed = ewrap.New("store closed")

	// ErrTimeoutOrCanceled is returned when a timeout or cancellation occurs.
	ErrTimeoutOrCanceled = ewrap.New("the operation timed out or was canceled")

	// ErrMgmtHTTPShutdownTimeout is returned when the management HTTP server fails to shutdown before context deadline.
	ErrMgmtHTTPShutdownTimeout = ewrap.New("management http shutdown timeout")
)
