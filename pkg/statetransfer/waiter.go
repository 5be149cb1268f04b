package statetransfer

import (
	"context"
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// TopologyWaiter lets a provider hold a request until the topology it refers to is
// installed locally.
type TopologyWaiter struct {
	mu        sync.Mutex
	installed int
	changed   chan struct{}
}

// NewTopologyWaiter returns a waiter with no topology installed.
func NewTopologyWaiter() *TopologyWaiter {
	return &TopologyWaiter{installed: -1, changed: make(chan struct{})}
}

// Installed records that topology id is in place and wakes the waiters.
func (w *TopologyWaiter) Installed(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id <= w.installed {
		return
	}

	w.installed = id
	close(w.changed)
	w.changed = make(chan struct{})
}

// Current returns the highest installed topology id, -1 if none.
func (w *TopologyWaiter) Current() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.installed
}

// Wait blocks until topology id or a later one is installed.
func (w *TopologyWaiter) Wait(ctx context.Context, id int) error {
	for {
		w.mu.Lock()
		installed, changed := w.installed, w.changed
		w.mu.Unlock()

		if installed >= id {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ewrap.Wrapf(sentinel.ErrTimeoutOrCanceled, "waiting for topology %d, installed %d", id, installed)
		}
	}
}
