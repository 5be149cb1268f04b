package redis

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/hypergrid/internal/constants"
)

// Store wraps the redis client a grid node persists entries with.
type Store struct {
	Client *redis.Client
}

// New creates the client and checks the server answers.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	opt := &redis.Options{
		MaxRetries:   constants.RedisClientMaxRetries,
		DialTimeout:  constants.RedisDialTimeout,
		ReadTimeout:  constants.RedisClientReadTimeout,
		WriteTimeout: constants.RedisClientWriteTimeout,
		PoolSize:     constants.RedisClientPoolSize,
		MinIdleConns: constants.RedisClientMinIdleConns,
		PoolTimeout:  constants.RedisClientPoolTimeout,
	}

	ApplyOptions(opt, opts...)

	opt.Dialer = dialer(opt.DialTimeout, opt.TLSConfig)

	if strings.TrimSpace(opt.Addr) == "" {
		return nil, ewrap.New("redis address is empty")
	}

	cli := redis.NewClient(opt)

	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()

		return nil, ewrap.Wrapf(err, "ping redis at %s", opt.Addr)
	}

	return &Store{Client: cli}, nil
}

// Close releases the client connections.
func (s *Store) Close() error {
	err := s.Client.Close()
	if err != nil {
		return ewrap.Wrap(err, "close redis client")
	}

	return nil
}

// dialer replaces the go-redis default dialer, so it has to do the TLS handshake itself.
func dialer(timeout time.Duration, tlsConfig *tls.Config) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		nd := &net.Dialer{Timeout: timeout}

		if tlsConfig == nil {
			return nd.DialContext(ctx, network, addr)
		}

		td := &tls.Dialer{NetDialer: nd, Config: tlsConfig}

		return td.DialContext(ctx, network, addr)
	}
}
