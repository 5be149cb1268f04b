// Package container provides the local data container of a grid node: a sharded
// concurrent map of entries that both user writes and incoming state transfer write into.
//
// Keys are spread over 32 shards, each behind its own read-write mutex, so concurrent
// writers touching different keys rarely contend. Besides plain Put/Get/Remove the
// container offers the conditional writes state transfer relies on:
//
//   - PutIfAbsent never overwrites a key that is already present
//   - PutIfNewer overwrites only when the incoming version is strictly greater
//
// Example usage:
//
//	c := container.New()
//	c.Put(container.NewEntry("key", "value"))
//	if e, ok := c.Get("key"); ok {
//	    // use e.Value
//	}
package container

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// ShardCount is the number of shards used by the container.
	ShardCount = 32
	// ShardMask selects a shard from a hash.
	ShardMask uint64 = ShardCount - 1
)

// Container is a goroutine-safe map of key to Entry.
type Container struct {
	shards []*shard
}

type shard struct {
	sync.RWMutex

	items map[string]Entry
}

// New creates an empty container.
func New() *Container {
	shards := make([]*shard, ShardCount)
	for i := range ShardCount {
		shards[i] = &shard{items: make(map[string]Entry)}
	}

	return &Container{shards: shards}
}

func (c *Container) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)&ShardMask]
}

// Put stores e unconditionally and returns the previous entry, if any.
func (c *Container) Put(e Entry) (Entry, bool) {
	s := c.shardFor(e.Key)
	s.Lock()

	prev, ok := s.items[e.Key]
	s.items[e.Key] = e
	s.Unlock()

	return prev, ok
}

// PutIfAbsent stores e only when the key is missing. Reports whether it was stored.
func (c *Container) PutIfAbsent(e Entry) bool {
	s := c.shardFor(e.Key)
	s.Lock()
	defer s.Unlock()

	if _, ok := s.items[e.Key]; ok {
		return false
	}

	s.items[e.Key] = e

	return true
}

// PutIfNewer stores e when the key is missing or holds a strictly older version.
func (c *Container) PutIfNewer(e Entry) bool {
	s := c.shardFor(e.Key)
	s.Lock()
	defer s.Unlock()

	if cur, ok := s.items[e.Key]; ok && cur.Metadata.Version >= e.Metadata.Version {
		return false
	}

	s.items[e.Key] = e

	return true
}

// Get retrieves the entry stored under key.
func (c *Container) Get(key string) (Entry, bool) {
	s := c.shardFor(key)
	s.RLock()

	e, ok := s.items[key]
	s.RUnlock()

	return e, ok
}

// Has checks if key is present.
func (c *Container) Has(key string) bool {
	_, ok := c.Get(key)

	return ok
}

// Remove deletes key. Reports whether it was present.
func (c *Container) Remove(key string) bool {
	s := c.shardFor(key)
	s.Lock()

	_, ok := s.items[key]
	delete(s.items, key)
	s.Unlock()

	return ok
}

// Keys returns a snapshot of every key.
func (c *Container) Keys() []string {
	out := make([]string, 0, c.Len())

	for _, s := range c.shards {
		s.RLock()

		for k := range s.items {
			out = append(out, k)
		}

		s.RUnlock()
	}

	return out
}

// IterBuffered returns a channel producing a snapshot of every entry. Each shard is
// copied under its read lock, then streamed without holding it.
func (c *Container) IterBuffered() <-chan Entry {
	chans := c.snapshot()

	total := 0
	for _, ch := range chans {
		total += cap(ch)
	}

	out := make(chan Entry, total)
	go fanIn(chans, out)

	return out
}

func (c *Container) snapshot() []chan Entry {
	chans := make([]chan Entry, ShardCount)

	var wg sync.WaitGroup

	wg.Add(ShardCount)

	for index, s := range c.shards {
		go func(index int, s *shard) {
			s.RLock()

			chans[index] = make(chan Entry, len(s.items))

			local := make([]Entry, 0, len(s.items))
			for _, e := range s.items {
				local = append(local, e)
			}

			s.RUnlock()
			wg.Done()

			for _, e := range local {
				chans[index] <- e
			}

			close(chans[index])
		}(index, s)
	}

	wg.Wait()

	return chans
}

func fanIn(chans []chan Entry, out chan Entry) {
	var wg sync.WaitGroup

	wg.Add(len(chans))

	for _, ch := range chans {
		go func(ch chan Entry) {
			defer wg.Done()

			for e := range ch {
				out <- e
			}
		}(ch)
	}

	wg.Wait()
	close(out)
}

// Clear removes every entry.
func (c *Container) Clear() {
	for _, s := range c.shards {
		s.Lock()

		s.items = make(map[string]Entry)
		s.Unlock()
	}
}

// Len returns the number of entries.
func (c *Container) Len() int {
	count := 0

	for _, s := range c.shards {
		s.RLock()

		count += len(s.items)
		s.RUnlock()
	}

	return count
}
