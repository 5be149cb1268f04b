package statetransfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// TaskState is the lifecycle state of a transfer task.
type TaskState int32

// Task states. Completed, Cancelled and Failed are terminal.
const (
	TaskCreated TaskState = iota
	TaskRequesting
	TaskCompleted
	TaskCancelled
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskRequesting:
		return "requesting"
	case TaskCompleted:
		return "completed"
	case TaskCancelled:
		return "cancelled"
	case TaskFailed:
		return "failed"
	}

	return "unknown"
}

// Terminal reports whether no transition leaves s.
func (s TaskState) Terminal() bool { return s >= TaskCompleted }

// taskEnv is what a task needs from the component that created it.
type taskEnv struct {
	cache     string
	self      cluster.NodeID
	transport Transport
	timeout   time.Duration
	logger    zerolog.Logger
}

// InboundTransferTask pulls a set of segments from one source at a fixed topology id.
// The segment set only shrinks: a segment leaves it when its last chunk arrives or when
// it is cancelled. The task completes when the set empties through received state and
// is cancelled when it empties through cancellation.
type InboundTransferTask struct {
	id         uuid.UUID
	source     cluster.NodeID
	topologyID int
	env        taskEnv

	mu         sync.Mutex
	segments   cluster.SegmentSet
	finished   cluster.SegmentSet
	state      TaskState
	requested  bool
	accepted   bool
	progress   time.Time
	cancelRPC  context.CancelFunc
	request    *Future[bool]
	completion *Future[bool]
}

func newInboundTask(segments cluster.SegmentSet, source cluster.NodeID, topologyID int, env taskEnv) *InboundTransferTask {
	return &InboundTransferTask{
		id:         uuid.New(),
		source:     source,
		topologyID: topologyID,
		env:        env,
		segments:   segments.Clone(),
		finished:   cluster.NewSegmentSet(),
		request:    NewFuture[bool](),
		completion: NewFuture[bool](),
	}
}

// ID returns the task id.
func (t *InboundTransferTask) ID() uuid.UUID { return t.id }

// Source returns the node the segments are pulled from.
func (t *InboundTransferTask) Source() cluster.NodeID { return t.source }

// TopologyID returns the topology the task was created in.
func (t *InboundTransferTask) TopologyID() int { return t.topologyID }

// Segments returns the segments not received yet.
func (t *InboundTransferTask) Segments() cluster.SegmentSet {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.segments.Clone()
}

// FinishedSegments returns the segments fully received.
func (t *InboundTransferTask) FinishedSegments() cluster.SegmentSet {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.finished.Clone()
}

// State returns the current state.
func (t *InboundTransferTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// RequestFuture resolves with the outcome of the current segment request.
func (t *InboundTransferTask) RequestFuture() *Future[bool] {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.request
}

// Completion resolves true when every segment arrived and false when the task was
// cancelled or failed.
func (t *InboundTransferTask) Completion() *Future[bool] { return t.completion }

// RequestSegments asks the source to push the remaining segments. The call blocks
// until the source accepted or rejected the request, the timeout expired or the task
// was cancelled, and resolves the request future accordingly.
func (t *InboundTransferTask) RequestSegments(ctx context.Context) error {
	t.mu.Lock()
	if t.state.Terminal() {
		fut := t.request
		t.mu.Unlock()

		fut.Complete(false, sentinel.ErrTaskTerminated)

		return sentinel.ErrTaskTerminated
	}

	if t.request.IsDone() {
		t.request = NewFuture[bool]()
	}

	fut := t.request
	segments := t.segments.Sorted()

	rctx, cancel := context.WithTimeout(ctx, t.env.timeout)
	t.cancelRPC = cancel
	t.state = TaskRequesting
	t.requested = true
	t.mu.Unlock()

	err := t.env.transport.RequestSegments(rctx, t.source, StateRequest{
		Type:       GetSegments,
		Cache:      t.env.cache,
		Origin:     t.env.self,
		TopologyID: t.topologyID,
		Segments:   segments,
	})

	cancel()

	t.mu.Lock()
	t.cancelRPC = nil
	state := t.state

	if err == nil && !state.Terminal() {
		t.accepted = true
		t.progress = time.Now()
	}
	t.mu.Unlock()

	if err == nil && (state == TaskCancelled || state == TaskFailed) {
		err = sentinel.ErrTransferCancelled
	}

	if err != nil {
		t.env.logger.Warn().Err(err).
			Str("source", string(t.source)).
			Int("topology", t.topologyID).
			Ints("segments", segments).
			Msg("failed to request segments")
	}

	fut.Complete(err == nil, err)

	return err
}

// OnStateReceived records a chunk of segment. Every chunk counts as progress; only the
// last one changes the task: the segment is finished and, if it was the last one, the
// task completes. Reports whether this call completed the task. Chunks for segments the
// task no longer tracks are ignored.
func (t *InboundTransferTask) OnStateReceived(segment int, isLast bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() || !t.segments.Has(segment) {
		return false
	}

	t.progress = time.Now()

	if !isLast {
		return false
	}

	t.segments.Remove(segment)
	t.finished.Add(segment)

	if !t.segments.Empty() {
		return false
	}

	t.state = TaskCompleted
	t.completion.Complete(true, nil)

	return true
}

// CancelSegments drops a subset of the segments and tells the source to stop sending
// them. Reports whether the task became empty and therefore cancelled.
func (t *InboundTransferTask) CancelSegments(subset cluster.SegmentSet) bool {
	t.mu.Lock()

	if t.state.Terminal() {
		t.mu.Unlock()

		return false
	}

	removed := t.segments.Intersect(subset)
	t.segments.RemoveAll(removed)

	emptied := t.segments.Empty()
	if emptied {
		t.terminateLocked(TaskCancelled, sentinel.ErrTransferCancelled)
	}

	notify := t.requested && !removed.Empty()
	t.mu.Unlock()

	if notify {
		go t.notifyCancel(removed)
	}

	return emptied
}

// Cancel stops the task and interrupts an in-flight request. Reports whether this call
// cancelled it; cancelling a terminated task is a no-op.
func (t *InboundTransferTask) Cancel() bool {
	t.mu.Lock()

	if t.state.Terminal() {
		t.mu.Unlock()

		return false
	}

	t.terminateLocked(TaskCancelled, sentinel.ErrTransferCancelled)

	remaining := t.segments.Clone()
	notify := t.requested && !remaining.Empty()
	t.mu.Unlock()

	if notify {
		go t.notifyCancel(remaining)
	}

	return true
}

// fail marks the task failed after its source could not serve it. The source is not
// notified.
func (t *InboundTransferTask) fail(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return false
	}

	t.terminateLocked(TaskFailed, err)

	return true
}

// idleFor returns how long an accepted task has gone without receiving a chunk. It is
// zero while the request itself is still pending.
func (t *InboundTransferTask) idleFor(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.accepted || t.state.Terminal() {
		return 0
	}

	return now.Sub(t.progress)
}

// expire fails a task whose source accepted the request and then went quiet, and tells
// the source to drop whatever it still had to send.
func (t *InboundTransferTask) expire() bool {
	t.mu.Lock()

	if t.state.Terminal() {
		t.mu.Unlock()

		return false
	}

	remaining := t.segments.Clone()
	t.terminateLocked(TaskFailed, sentinel.ErrTransferStalled)
	t.mu.Unlock()

	if !remaining.Empty() {
		go t.notifyCancel(remaining)
	}

	return true
}

func (t *InboundTransferTask) terminateLocked(state TaskState, err error) {
	t.state = state

	if t.cancelRPC != nil {
		t.cancelRPC()
	}

	t.completion.Complete(false, err)
}

func (t *InboundTransferTask) notifyCancel(segments cluster.SegmentSet) {
	ctx, cancel := context.WithTimeout(context.Background(), t.env.timeout)
	defer cancel()

	err := t.env.transport.CancelSegments(ctx, t.source, StateRequest{
		Type:       CancelSegments,
		Cache:      t.env.cache,
		Origin:     t.env.self,
		TopologyID: t.topologyID,
		Segments:   segments.Sorted(),
	})
	if err != nil {
		t.env.logger.Debug().Err(err).
			Str("source", string(t.source)).
			Ints("segments", segments.Sorted()).
			Msg("cancel notice not delivered")
	}
}

func (t *InboundTransferTask) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("InboundTransferTask{id=%s source=%s topology=%d state=%s segments=%s finished=%s}",
		t.id, t.source, t.topologyID, t.state, t.segments, t.finished)
}
