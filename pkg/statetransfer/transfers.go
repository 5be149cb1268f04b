package statetransfer

import (
	"slices"
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// transferTable indexes live inbound tasks by segment and by source. Both indices
// change together under one mutex, so a segment maps to a task if and only if that
// task is listed under its source and still waits for the segment. Lock order is
// table first, then task.
type transferTable struct {
	mu        sync.Mutex
	bySegment map[int]*InboundTransferTask
	bySource  map[cluster.NodeID][]*InboundTransferTask
}

func newTransferTable() *transferTable {
	return &transferTable{
		bySegment: map[int]*InboundTransferTask{},
		bySource:  map[cluster.NodeID][]*InboundTransferTask{},
	}
}

// add registers a task for the segments not covered yet. newTask is only called when
// at least one segment is left; it returns nil otherwise.
func (tt *transferTable) add(segments cluster.SegmentSet, newTask func(cluster.SegmentSet) *InboundTransferTask) *InboundTransferTask {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	free := cluster.NewSegmentSet()

	for s := range segments {
		if _, ok := tt.bySegment[s]; !ok {
			free.Add(s)
		}
	}

	if free.Empty() {
		return nil
	}

	task := newTask(free)
	for s := range free {
		tt.bySegment[s] = task
	}

	tt.bySource[task.Source()] = append(tt.bySource[task.Source()], task)

	return task
}

// remove unregisters a task. Reports false when it was already gone, which tells a
// caller racing with a topology update or a completion that someone else owns it now.
func (tt *transferTable) remove(task *InboundTransferTask) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	return tt.removeLocked(task)
}

func (tt *transferTable) removeLocked(task *InboundTransferTask) bool {
	list := tt.bySource[task.Source()]

	idx := slices.Index(list, task)
	if idx < 0 {
		return false
	}

	list = slices.Delete(list, idx, idx+1)
	if len(list) == 0 {
		delete(tt.bySource, task.Source())
	} else {
		tt.bySource[task.Source()] = list
	}

	for s, owner := range tt.bySegment {
		if owner == task {
			delete(tt.bySegment, s)
		}
	}

	return true
}

// segmentReceived forwards a chunk to task and drops the segment from the segment
// index in the same critical section when it was the last chunk. Reports whether the
// task completed; a completed task is unregistered before returning.
func (tt *transferTable) segmentReceived(task *InboundTransferTask, segment int, isLast bool) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if isLast && tt.bySegment[segment] == task {
		delete(tt.bySegment, segment)
	}

	done := task.OnStateReceived(segment, isLast)
	if done {
		tt.removeLocked(task)
	}

	return done
}

// lookup returns the task pulling segment.
func (tt *transferTable) lookup(segment int) (*InboundTransferTask, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	task, ok := tt.bySegment[segment]

	return task, ok
}

// cancelSegments cancels every transfer touching segments, partially or whole.
// Returns the tasks that became empty, already unregistered.
func (tt *transferTable) cancelSegments(segments cluster.SegmentSet) []*InboundTransferTask {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	perTask := map[*InboundTransferTask]cluster.SegmentSet{}

	for _, s := range segments.Sorted() {
		task, ok := tt.bySegment[s]
		if !ok {
			continue
		}

		delete(tt.bySegment, s)

		if perTask[task] == nil {
			perTask[task] = cluster.NewSegmentSet()
		}

		perTask[task].Add(s)
	}

	var emptied []*InboundTransferTask

	for task, subset := range perTask {
		if task.CancelSegments(subset) {
			tt.removeLocked(task)

			emptied = append(emptied, task)
		}
	}

	return emptied
}

// removeSourcesNotIn unregisters and cancels every task whose source is not a member.
// Returns the segments those tasks were still waiting for.
func (tt *transferTable) removeSourcesNotIn(members []cluster.NodeID) cluster.SegmentSet {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	orphaned := cluster.NewSegmentSet()

	for source, list := range tt.bySource {
		if cluster.ContainsNode(members, source) {
			continue
		}

		delete(tt.bySource, source)

		for _, task := range list {
			for s, owner := range tt.bySegment {
				if owner == task {
					delete(tt.bySegment, s)
					orphaned.Add(s)
				}
			}

			task.Cancel()
		}
	}

	return orphaned
}

// covered returns the segments with a live transfer.
func (tt *transferTable) covered() cluster.SegmentSet {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	out := cluster.NewSegmentSet()
	for s := range tt.bySegment {
		out.Add(s)
	}

	return out
}

// tasks returns every live task.
func (tt *transferTable) tasks() []*InboundTransferTask {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	var out []*InboundTransferTask
	for _, list := range tt.bySource {
		out = append(out, list...)
	}

	return out
}

// bySourceSnapshot returns the pending segments per source.
func (tt *transferTable) bySourceSnapshot() map[cluster.NodeID][]int {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	out := make(map[cluster.NodeID][]int, len(tt.bySource))

	for source, list := range tt.bySource {
		pending := cluster.NewSegmentSet()

		for _, task := range list {
			pending.AddAll(task.Segments())
		}

		out[source] = pending.Sorted()
	}

	return out
}

func (tt *transferTable) empty() bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	return len(tt.bySource) == 0
}

// clear unregisters and cancels every task.
func (tt *transferTable) clear() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	for _, list := range tt.bySource {
		for _, task := range list {
			task.Cancel()
		}
	}

	tt.bySegment = map[int]*InboundTransferTask{}
	tt.bySource = map[cluster.NodeID][]*InboundTransferTask{}
}

// checkConsistency verifies that both indices describe the same tasks.
func (tt *transferTable) checkConsistency() error {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	listed := map[*InboundTransferTask]bool{}

	for source, list := range tt.bySource {
		if len(list) == 0 {
			return ewrap.Newf("source %s has an empty task list", source)
		}

		for _, task := range list {
			if task.Source() != source {
				return ewrap.Newf("task %s listed under %s", task.ID(), source)
			}

			if task.State().Terminal() {
				return ewrap.Wrapf(sentinel.ErrTaskTerminated, "task %s still registered", task.ID())
			}

			for s := range task.Segments() {
				if tt.bySegment[s] != task {
					return ewrap.Newf("segment %d of task %s missing from the segment index", s, task.ID())
				}
			}

			listed[task] = true
		}
	}

	for s, task := range tt.bySegment {
		if !listed[task] || !task.Segments().Has(s) {
			return ewrap.Newf("segment %d maps to a task that does not wait for it", s)
		}
	}

	return nil
}
