package backend

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/libs/serializer"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/container"
)

// entryPrefix namespaces entries inside the pebble keyspace; entryUpper is the first
// key past it.
const (
	entryPrefix = "entry:"
	entryUpper  = "entry;"
)

// PebbleStore is a node-local persistent store backed by pebble. It is never shared,
// so state transfer streams its keys along with the in-memory data.
type PebbleStore struct {
	db         *pebble.DB
	Serializer serializer.ISerializer
}

type pebbleConfig struct {
	fs  vfs.FS
	ser serializer.ISerializer
}

// PebbleOption configures a PebbleStore.
type PebbleOption func(*pebbleConfig)

// WithPebbleFS overrides the filesystem, vfs.NewMem() keeps everything in memory.
func WithPebbleFS(fs vfs.FS) PebbleOption {
	return func(c *pebbleConfig) { c.fs = fs }
}

// WithPebbleSerializer sets the value encoding, msgpack by default.
func WithPebbleSerializer(ser serializer.ISerializer) PebbleOption {
	return func(c *pebbleConfig) { c.ser = ser }
}

// OpenPebbleStore opens (or creates) the store at path.
func OpenPebbleStore(path string, opts ...PebbleOption) (*PebbleStore, error) {
	cfg := pebbleConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.ser == nil {
		ser, err := serializer.New(serializer.Default)
		if err != nil {
			return nil, err
		}

		cfg.ser = ser
	}

	db, err := pebble.Open(path, &pebble.Options{FS: cfg.fs})
	if err != nil {
		return nil, ewrap.Wrapf(err, "open pebble store at %s", path)
	}

	return &PebbleStore{db: db, Serializer: cfg.ser}, nil
}

// Shared implements statetransfer.LocalStore.
func (*PebbleStore) Shared() bool { return false }

// LoadAllKeys implements statetransfer.LocalStore.
func (s *PebbleStore) LoadAllKeys(ctx context.Context) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte(entryPrefix), UpperBound: []byte(entryUpper)})
	if err != nil {
		return nil, ewrap.Wrap(err, "create pebble iterator")
	}

	defer func() { _ = iter.Close() }()

	var keys []string

	for ok := iter.First(); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return keys, err
		}

		keys = append(keys, string(iter.Key()[len(entryPrefix):]))
	}

	return keys, nil
}

// Load implements statetransfer.LocalStore.
func (s *PebbleStore) Load(_ context.Context, key string) (container.Entry, bool, error) {
	val, closer, err := s.db.Get(storeKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return container.Entry{}, false, nil
		}

		return container.Entry{}, false, ewrap.Wrapf(err, "load %s", key)
	}

	defer func() { _ = closer.Close() }()

	var e container.Entry

	if err := s.Serializer.Unmarshal(val, &e); err != nil {
		return container.Entry{}, false, ewrap.Wrapf(err, "decode %s", key)
	}

	return e, true, nil
}

// Store implements statetransfer.LocalStore.
func (s *PebbleStore) Store(_ context.Context, e container.Entry) error {
	if err := e.Valid(); err != nil {
		return err
	}

	data, err := s.Serializer.Marshal(e)
	if err != nil {
		return ewrap.Wrapf(err, "encode %s", e.Key)
	}

	err = s.db.Set(storeKey(e.Key), data, pebble.Sync)
	if err != nil {
		return ewrap.Wrap(err, "pebble set")
	}

	return nil
}

// Delete implements statetransfer.LocalStore.
func (s *PebbleStore) Delete(_ context.Context, key string) error {
	if key == "" {
		return sentinel.ErrInvalidKey
	}

	err := s.db.Delete(storeKey(key), pebble.Sync)
	if err != nil {
		return ewrap.Wrap(err, "pebble delete")
	}

	return nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return sentinel.ErrStoreClosed
	}

	err := s.db.Close()
	s.db = nil

	if err != nil {
		return ewrap.Wrap(err, "close pebble")
	}

	return nil
}

func storeKey(key string) []byte { return []byte(entryPrefix + key) }
