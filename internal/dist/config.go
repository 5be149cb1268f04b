// Package dist holds the settings shared by a grid node, its state transfer components
// and the command line loader.
package dist

import (
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Config holds node identity, segmentation and state transfer settings.
type Config struct {
	NodeID        string   `yaml:"node_id"`
	CacheName     string   `yaml:"cache_name"`
	BindAddr      string   `yaml:"bind_addr"` // address the node listens on for state transfer RPC
	AdvertiseAddr string   `yaml:"advertise_addr"`
	Peers         []string `yaml:"peers"` // id=host:port
	MgmtAddr      string   `yaml:"mgmt_addr"`

	NumSegments  int    `yaml:"num_segments"`
	NumOwners    int    `yaml:"num_owners"`
	VirtualNodes int    `yaml:"virtual_nodes"`
	Segmenter    string `yaml:"segmenter"` // xxhash | crc16

	ChunkSize            int           `yaml:"chunk_size"`       // entries per chunk
	ChunkBytes           int64         `yaml:"chunk_bytes"`      // optional byte budget per chunk
	StateTransferTimeout time.Duration `yaml:"state_transfer_timeout"`
	TopologyWaitTimeout  time.Duration `yaml:"topology_wait_timeout"`
	PoolSize             int           `yaml:"pool_size"`
	SendRateLimit        float64       `yaml:"send_rate_limit"` // chunks per second, 0 = unlimited

	FetchInMemoryState bool `yaml:"fetch_in_memory_state"`
	Transactional      bool `yaml:"transactional"`
	Versioned          bool `yaml:"versioned"`

	Store       string `yaml:"store"` // none | pebble | redis
	StoreShared bool   `yaml:"store_shared"`
	PebblePath  string `yaml:"pebble_path"`
	RedisAddr   string `yaml:"redis_addr"`

	// zero values keep the redis client defaults
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	RedisPoolSize     int           `yaml:"redis_pool_size"`
	RedisDialTimeout  time.Duration `yaml:"redis_dial_timeout"`
	RedisReadTimeout  time.Duration `yaml:"redis_read_timeout"`
	RedisWriteTimeout time.Duration `yaml:"redis_write_timeout"`
	RedisTLS          bool          `yaml:"redis_tls"`
}

// Defaults returns a Config with safe initial values.
func Defaults() Config {
	return Config{
		CacheName:            constants.DefaultCacheName,
		NumSegments:          constants.DefaultNumSegments,
		NumOwners:            constants.DefaultNumOwners,
		VirtualNodes:         constants.DefaultVirtualNodes,
		Segmenter:            "xxhash",
		ChunkSize:            constants.DefaultChunkSize,
		StateTransferTimeout: constants.DefaultStateTransferTimeout,
		TopologyWaitTimeout:  constants.DefaultTopologyWaitTimeout,
		PoolSize:             constants.DefaultPoolSize,
		FetchInMemoryState:   true,
		Store:                constants.StoreNone,
		StoreShared:          true,
	}
}

// Validate checks the numeric knobs.
func (c Config) Validate() error {
	switch {
	case c.NumSegments <= 0:
		return sentinel.ErrInvalidSegments
	case c.NumOwners <= 0:
		return sentinel.ErrInvalidOwners
	case c.ChunkSize <= 0:
		return sentinel.ErrInvalidChunkSize
	}

	switch c.Store {
	case "", constants.StoreNone, constants.StorePebble, constants.StoreRedis:
	default:
		return ewrap.Newf("unknown store kind %q", c.Store)
	}

	return nil
}

// UseVersionedWrites reports whether applied state must be version checked.
func (c Config) UseVersionedWrites() bool { return c.Transactional && c.Versioned }

// FetchesState reports whether the node pulls segments it gains.
func (c Config) FetchesState() bool { return c.FetchInMemoryState || c.Transactional }
