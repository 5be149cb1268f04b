// Package redis builds the go-redis client behind the redis store of a grid node.
package redis

import (
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
)

// Option configures the redis client options.
type Option func(*redis.Options)

// ApplyOptions applies the given options to opt.
func ApplyOptions(opt *redis.Options, options ...Option) {
	for _, option := range options {
		option(opt)
	}
}

// WithAddr sets the server address.
func WithAddr(addr string) Option {
	return func(opt *redis.Options) {
		opt.Addr = addr
	}
}

// WithPassword sets the password.
func WithPassword(password string) Option {
	return func(opt *redis.Options) {
		opt.Password = password
	}
}

// WithDB selects the database.
func WithDB(db int) Option {
	return func(opt *redis.Options) {
		opt.DB = db
	}
}

// WithPoolSize sets the connection pool size.
func WithPoolSize(poolSize int) Option {
	return func(opt *redis.Options) {
		opt.PoolSize = poolSize
	}
}

// WithTimeouts sets the dial, read and write timeouts at once.
func WithTimeouts(dial, read, write time.Duration) Option {
	return func(opt *redis.Options) {
		opt.DialTimeout = dial
		opt.ReadTimeout = read
		opt.WriteTimeout = write
	}
}

// WithTLSConfig enables TLS.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(opt *redis.Options) {
		opt.TLSConfig = tlsConfig
	}
}
