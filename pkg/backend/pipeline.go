package backend

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
)

// lockStripes is the number of key lock stripes of a pipeline.
const lockStripes = 64

// LocalPipeline applies writes to the local container and the store behind it. User
// writes and state transfer writes share it; the flags tell them apart.
type LocalPipeline struct {
	data   *container.Container
	store  statetransfer.LocalStore
	owns   func(key string) bool
	logger zerolog.Logger

	locks [lockStripes]sync.Mutex
}

// PipelineOption configures a LocalPipeline.
type PipelineOption func(*LocalPipeline)

// WithPipelineStore persists writes to store.
func WithPipelineStore(store statetransfer.LocalStore) PipelineOption {
	return func(p *LocalPipeline) { p.store = store }
}

// WithOwnership rejects writes to keys owns returns false for, unless the write skips
// the ownership check.
func WithOwnership(owns func(key string) bool) PipelineOption {
	return func(p *LocalPipeline) { p.owns = owns }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l zerolog.Logger) PipelineOption {
	return func(p *LocalPipeline) { p.logger = l }
}

// NewLocalPipeline creates a pipeline writing to data.
func NewLocalPipeline(data *container.Container, opts ...PipelineOption) *LocalPipeline {
	p := &LocalPipeline{data: data, logger: zerolog.Nop()}
	for _, o := range opts {
		o(p)
	}

	return p
}

// Store returns the store behind the pipeline, nil if none.
func (p *LocalPipeline) Store() statetransfer.LocalStore { return p.store }

// ApplyPut implements statetransfer.WritePipeline.
func (p *LocalPipeline) ApplyPut(ctx context.Context, e container.Entry, flags statetransfer.Flags) (bool, error) {
	if err := e.Valid(); err != nil {
		return false, err
	}

	if !flags.Has(statetransfer.SkipOwnershipCheck) && p.owns != nil && !p.owns(e.Key) {
		return false, sentinel.ErrNotOwner
	}

	if !flags.Has(statetransfer.SkipLocking) {
		mu := p.lockFor(e.Key)
		mu.Lock()
		defer mu.Unlock()
	}

	var stored bool

	switch {
	case flags.Has(statetransfer.Versioned):
		stored = p.data.PutIfNewer(e)
	case flags.Has(statetransfer.PutIfAbsent):
		stored = p.data.PutIfAbsent(e)
	default:
		p.data.Put(e)

		stored = true
	}

	if !stored || !p.writesStore(flags) {
		return stored, nil
	}

	return true, p.store.Store(ctx, e)
}

// ApplyInvalidate implements statetransfer.WritePipeline. Shared stores are left alone:
// the data is still owned by someone else.
func (p *LocalPipeline) ApplyInvalidate(ctx context.Context, keys []string, flags statetransfer.Flags) error {
	var firstErr error

	for _, key := range keys {
		if !flags.Has(statetransfer.SkipLocking) {
			mu := p.lockFor(key)
			mu.Lock()
			p.data.Remove(key)
			mu.Unlock()
		} else {
			p.data.Remove(key)
		}

		if p.store == nil || p.store.Shared() {
			continue
		}

		if err := p.store.Delete(ctx, key); err != nil {
			p.logger.Warn().Err(err).Str("key", key).Msg("failed to delete key from store")

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// Remove deletes key everywhere, shared store included.
func (p *LocalPipeline) Remove(ctx context.Context, key string) (bool, error) {
	mu := p.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	removed := p.data.Remove(key)

	if p.store == nil {
		return removed, nil
	}

	return removed, p.store.Delete(ctx, key)
}

// Get reads key from memory, then from the store. A stored entry is loaded into memory.
func (p *LocalPipeline) Get(ctx context.Context, key string) (container.Entry, bool, error) {
	if e, ok := p.data.Get(key); ok {
		return e, true, nil
	}

	if p.store == nil {
		return container.Entry{}, false, nil
	}

	e, ok, err := p.store.Load(ctx, key)
	if err != nil || !ok {
		return container.Entry{}, false, err
	}

	p.data.PutIfAbsent(e)

	return e, true, nil
}

func (p *LocalPipeline) writesStore(flags statetransfer.Flags) bool {
	if p.store == nil {
		return false
	}

	return !p.store.Shared() || !flags.Has(statetransfer.SkipSharedStore)
}

func (p *LocalPipeline) lockFor(key string) *sync.Mutex {
	return &p.locks[xxhash.Sum64String(key)%lockStripes]
}
