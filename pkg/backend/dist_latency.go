package backend

import (
	"sync/atomic"
	"time"
)

// rpcOp is a state transfer call type measured by the HTTP transport.
type rpcOp int

const (
	opRequestTransactions rpcOp = iota
	opRequestSegments
	opCancelSegments
	opPushState
	rpcOpCount
)

var rpcOpNames = [rpcOpCount]string{"request-transactions", "request-segments", "cancel-segments", "push-state"}

func (o rpcOp) String() string { return rpcOpNames[o] }

// latencyBuckets are the bucket upper bounds in nanoseconds, roughly exponential.
//
//nolint:gochecknoglobals,mnd // bucket constants intentionally centralized
var latencyBuckets = [...]int64{
	int64(250 * time.Microsecond),
	int64(500 * time.Microsecond),
	int64(1 * time.Millisecond),
	int64(5 * time.Millisecond),
	int64(10 * time.Millisecond),
	int64(50 * time.Millisecond),
	int64(100 * time.Millisecond),
	int64(500 * time.Millisecond),
	int64(1 * time.Second),
	int64(5 * time.Second),
	int64(30 * time.Second),
}

// latencyCollector keeps fixed-bucket histograms per call type. Lock free.
type latencyCollector struct {
	// buckets[op][bucket], the last bucket is +Inf
	buckets [rpcOpCount][len(latencyBuckets) + 1]atomic.Uint64
	errors  [rpcOpCount]atomic.Uint64
}

func (c *latencyCollector) observe(op rpcOp, d time.Duration, err error) {
	if err != nil {
		c.errors[op].Add(1)
	}

	ns := d.Nanoseconds()
	for i, ub := range latencyBuckets {
		if ns <= ub {
			c.buckets[op][i].Add(1)

			return
		}
	}

	c.buckets[op][len(latencyBuckets)].Add(1)
}

// LatencySnapshot is a copy of the histograms of a transport.
type LatencySnapshot struct {
	// BucketsNs are the upper bounds of every bucket but the last (+Inf).
	BucketsNs []int64             `json:"bucketsNs"`
	Counts    map[string][]uint64 `json:"counts"`
	Errors    map[string]uint64   `json:"errors"`
}

func (c *latencyCollector) snapshot() LatencySnapshot {
	out := LatencySnapshot{
		BucketsNs: latencyBuckets[:],
		Counts:    make(map[string][]uint64, rpcOpCount),
		Errors:    make(map[string]uint64, rpcOpCount),
	}

	for op := range rpcOpCount {
		counts := make([]uint64, len(latencyBuckets)+1)
		for b := range counts {
			counts[b] = c.buckets[op][b].Load()
		}

		out.Counts[op.String()] = counts
		out.Errors[op.String()] = c.errors[op].Load()
	}

	return out
}
