package backend

import (
	"context"
	"errors"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/libs/serializer"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/container"
)

const (
	maxRetries   = 3
	retriesDelay = 100 * time.Millisecond
)

// redisCmd abstracts the subset of go-redis client API we need. Both *redis.Client and
// *redis.ClusterClient satisfy it.
type redisCmd interface {
	TxPipeline() redis.Pipeliner
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps entries in redis. Every entry is a hash holding the encoded entry;
// a set tracks the stored keys. It is shared by default: every node sees the same data
// and state transfer never streams or purges it.
type RedisStore struct {
	rdb         redisCmd
	keysSetName string
	shared      bool
	Serializer  serializer.ISerializer
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeysSetName sets the name of the set tracking the stored keys.
func WithKeysSetName(name string) RedisOption {
	return func(s *RedisStore) { s.keysSetName = name }
}

// WithSerializer sets the value encoding, msgpack by default.
func WithSerializer(ser serializer.ISerializer) RedisOption {
	return func(s *RedisStore) { s.Serializer = ser }
}

// WithShared marks the store as shared (default) or node-local, for example a
// redis instance per node.
func WithShared(shared bool) RedisOption {
	return func(s *RedisStore) { s.shared = shared }
}

// NewRedisStore creates a store on top of client.
func NewRedisStore(client redisCmd, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, sentinel.ErrNilClient
	}

	s := &RedisStore{rdb: client, shared: true}
	for _, o := range opts {
		o(s)
	}

	if s.keysSetName == "" {
		s.keysSetName = constants.RedisKeySetName
	}

	if s.Serializer == nil {
		ser, err := serializer.New(serializer.Default)
		if err != nil {
			return nil, err
		}

		s.Serializer = ser
	}

	return s, nil
}

// Shared implements statetransfer.LocalStore.
func (s *RedisStore) Shared() bool { return s.shared }

// LoadAllKeys implements statetransfer.LocalStore.
func (s *RedisStore) LoadAllKeys(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.SMembers(ctx, s.keysSetName).Result()
	if err != nil {
		return nil, ewrap.Wrap(err, "failed to get keys from redis")
	}

	return keys, nil
}

// Load implements statetransfer.LocalStore.
func (s *RedisStore) Load(ctx context.Context, key string) (container.Entry, bool, error) {
	data, err := s.rdb.HGet(ctx, s.hashKey(key), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return container.Entry{}, false, nil
		}

		return container.Entry{}, false, ewrap.Wrapf(err, "load %s", key)
	}

	var e container.Entry

	if err := s.Serializer.Unmarshal(data, &e); err != nil {
		return container.Entry{}, false, ewrap.Wrapf(err, "decode %s", key)
	}

	return e, true, nil
}

// Store implements statetransfer.LocalStore.
func (s *RedisStore) Store(ctx context.Context, e container.Entry) error {
	if err := e.Valid(); err != nil {
		return err
	}

	data, err := s.Serializer.Marshal(e)
	if err != nil {
		return ewrap.Wrapf(err, "encode %s", e.Key)
	}

	pipe := s.rdb.TxPipeline()

	pipe.HSet(ctx, s.hashKey(e.Key), map[string]any{
		"data":    data,
		"version": e.Metadata.Version,
	})
	pipe.SAdd(ctx, s.keysSetName, e.Key)

	if e.Metadata.Lifespan > 0 {
		pipe.Expire(ctx, s.hashKey(e.Key), e.Metadata.Lifespan)
	}

	_, err = pipe.Exec(ctx)
	if err != nil {
		return ewrap.Wrap(err, "failed to execute redis pipeline")
	}

	return nil
}

// Delete implements statetransfer.LocalStore.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	pipe := s.rdb.TxPipeline()

	pipe.SRem(ctx, s.keysSetName, key)
	pipe.Del(ctx, s.hashKey(key))

	_, err := pipe.Exec(ctx)
	if err != nil {
		return ewrap.Wrap(err, "removing key", ewrap.WithRetry(maxRetries, retriesDelay))
	}

	return nil
}

// Clear drops every stored entry.
func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.LoadAllKeys(ctx)
	if err != nil {
		return err
	}

	hashes := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		hashes = append(hashes, s.hashKey(k))
	}

	hashes = append(hashes, s.keysSetName)

	if err := s.rdb.Del(ctx, hashes...).Err(); err != nil {
		return ewrap.Wrap(err, "clearing store", ewrap.WithRetry(maxRetries, retriesDelay))
	}

	return nil
}

func (s *RedisStore) hashKey(key string) string { return s.keysSetName + ":" + key }
