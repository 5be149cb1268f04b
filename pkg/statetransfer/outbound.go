package statetransfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/container"
)

// OutboundTransferTask streams the entries of a set of segments to one destination.
// Every requested segment ends with exactly one chunk flagged as last, empty segments
// included, unless the segment was cancelled first.
type OutboundTransferTask struct {
	id          uuid.UUID
	destination cluster.NodeID
	topologyID  int
	segments    cluster.SegmentSet
	chunkSize   int
	chunkBytes  int64
	segmentFor  func(key string) int
	data        DataContainer
	store       LocalStore // nil unless a non-shared store is attached
	limiter     *rate.Limiter
	env         taskEnv
	metrics     *metrics
	onComplete  func(*OutboundTransferTask, error)

	mu        sync.Mutex
	state     TaskState
	cancelled cluster.SegmentSet
	stop      context.CancelFunc
	once      sync.Once
}

// Destination returns the requesting node.
func (t *OutboundTransferTask) Destination() cluster.NodeID { return t.destination }

// TopologyID returns the topology the request was made in.
func (t *OutboundTransferTask) TopologyID() int { return t.topologyID }

// ID returns the task id.
func (t *OutboundTransferTask) ID() uuid.UUID { return t.id }

// Segments returns the segments still being sent.
func (t *OutboundTransferTask) Segments() cluster.SegmentSet {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.segments.Minus(t.cancelled)
}

// State returns the current state.
func (t *OutboundTransferTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *OutboundTransferTask) wants(segment int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.segments.Has(segment) && !t.cancelled.Has(segment)
}

// Execute reads the requested segments and pushes them in chunks. The completion
// callback runs exactly once, whatever the outcome.
func (t *OutboundTransferTask) Execute(ctx context.Context) (err error) {
	t.mu.Lock()
	if t.state != TaskCreated {
		t.mu.Unlock()

		return sentinel.ErrTaskTerminated
	}

	ctx, t.stop = context.WithCancel(ctx)
	t.state = TaskRequesting
	t.mu.Unlock()

	defer func() { t.complete(err) }()

	buffers := map[int][]container.Entry{}
	sizes := map[int]int64{}

	add := func(e container.Entry) error {
		seg := t.segmentFor(e.Key)
		if !t.wants(seg) || e.Expired(time.Now()) {
			return nil
		}

		if t.chunkBytes > 0 && e.Size == 0 {
			_ = e.SetSize()
		}

		buffers[seg] = append(buffers[seg], e)
		sizes[seg] += e.Size

		if len(buffers[seg]) < t.chunkSize && (t.chunkBytes <= 0 || sizes[seg] < t.chunkBytes) {
			return nil
		}

		chunk := StateChunk{Segment: seg, Entries: buffers[seg]}
		delete(buffers, seg)
		delete(sizes, seg)

		return t.send(ctx, []StateChunk{chunk})
	}

	for e := range t.data.IterBuffered() {
		if err := ctx.Err(); err != nil {
			return t.interrupted(err)
		}

		if err := add(e); err != nil {
			return err
		}
	}

	if err := t.scanStore(ctx, add); err != nil {
		return err
	}

	return t.flushLast(ctx, buffers)
}

// scanStore sends stored entries that are not in memory.
func (t *OutboundTransferTask) scanStore(ctx context.Context, add func(container.Entry) error) error {
	if t.store == nil {
		return nil
	}

	keys, err := t.store.LoadAllKeys(ctx)
	if err != nil {
		t.env.logger.Warn().Err(err).Msg("failed to load keys from store, sending in-memory state only")

		return nil
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return t.interrupted(err)
		}

		if !t.wants(t.segmentFor(key)) {
			continue
		}

		if _, inMemory := t.data.Get(key); inMemory {
			continue
		}

		e, ok, err := t.store.Load(ctx, key)
		if err != nil || !ok {
			continue
		}

		if err := add(e); err != nil {
			return err
		}
	}

	return nil
}

// flushLast sends the final chunk of every segment, batched up to the chunk size.
func (t *OutboundTransferTask) flushLast(ctx context.Context, buffers map[int][]container.Entry) error {
	var (
		batch   []StateChunk
		entries int
	)

	for _, seg := range t.Segments().Sorted() {
		chunk := StateChunk{Segment: seg, Entries: buffers[seg], IsLastChunk: true}

		if len(batch) > 0 && entries+len(chunk.Entries) > t.chunkSize {
			if err := t.send(ctx, batch); err != nil {
				return err
			}

			batch, entries = nil, 0
		}

		batch = append(batch, chunk)
		entries += len(chunk.Entries)
	}

	if len(batch) == 0 {
		return nil
	}

	return t.send(ctx, batch)
}

func (t *OutboundTransferTask) send(ctx context.Context, chunks []StateChunk) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return t.interrupted(err)
		}
	}

	pctx, cancel := context.WithTimeout(ctx, t.env.timeout)
	defer cancel()

	err := t.env.transport.PushState(pctx, t.destination, StatePush{
		Cache:      t.env.cache,
		Sender:     t.env.self,
		TopologyID: t.topologyID,
		Chunks:     chunks,
	})
	if err != nil {
		if ctx.Err() != nil {
			return t.interrupted(err)
		}

		return err
	}

	t.metrics.add(ctx, t.metrics.chunksSent, len(chunks), sourceAttr(string(t.destination)))

	return nil
}

func (t *OutboundTransferTask) interrupted(cause error) error {
	t.mu.Lock()
	cancelled := t.state == TaskCancelled
	t.mu.Unlock()

	if cancelled {
		return sentinel.ErrTransferCancelled
	}

	return cause
}

// CancelSegments stops sending a subset of the segments. Cancelling every remaining
// segment cancels the task.
func (t *OutboundTransferTask) CancelSegments(subset cluster.SegmentSet) {
	t.mu.Lock()
	t.cancelled.AddAll(subset.Intersect(t.segments))
	all := t.segments.Minus(t.cancelled).Empty()
	t.mu.Unlock()

	if all {
		t.Cancel()
	}
}

// Cancel stops the task and interrupts an in-flight push.
func (t *OutboundTransferTask) Cancel() {
	t.mu.Lock()

	if t.state.Terminal() {
		t.mu.Unlock()

		return
	}

	running := t.state == TaskRequesting
	t.state = TaskCancelled

	if t.stop != nil {
		t.stop()
	}
	t.mu.Unlock()

	// a running task reports through Execute
	if !running {
		t.complete(sentinel.ErrTransferCancelled)
	}
}

func (t *OutboundTransferTask) complete(err error) {
	t.once.Do(func() {
		t.mu.Lock()

		switch {
		case t.state == TaskCancelled:
		case err != nil:
			t.state = TaskFailed
		default:
			t.state = TaskCompleted
		}

		if t.stop != nil {
			t.stop()
		}
		t.mu.Unlock()

		if err != nil && t.State() == TaskFailed {
			t.env.logger.Warn().Err(err).
				Str("destination", string(t.destination)).
				Int("topology", t.topologyID).
				Msg("outbound transfer failed")
		}

		if t.onComplete != nil {
			t.onComplete(t, err)
		}
	})
}

func (t *OutboundTransferTask) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("OutboundTransferTask{id=%s destination=%s topology=%d state=%s segments=%s}",
		t.id, t.destination, t.topologyID, t.state, t.segments.Minus(t.cancelled))
}
