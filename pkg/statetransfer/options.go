package statetransfer

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/hyp3rd/hypergrid/internal/constants"
)

// settings is shared by the consumer and the provider of a node.
type settings struct {
	cache         string
	logger        zerolog.Logger
	timeout       time.Duration
	topologyWait  time.Duration
	chunkSize     int
	chunkBytes    int64
	sendRate      rate.Limit
	executor      Executor
	store         LocalStore
	txTable       TransactionTable
	coordinator   Coordinator
	selector      SourceSelector
	waiter        *TopologyWaiter
	meter         metric.Meter
	listeners     []RehashListener
	fetchState    bool
	transactional bool
	versioned     bool
}

func defaultSettings() settings {
	return settings{
		cache:        constants.DefaultCacheName,
		logger:       zerolog.Nop(),
		timeout:      constants.DefaultStateTransferTimeout,
		topologyWait: constants.DefaultTopologyWaitTimeout,
		chunkSize:    constants.DefaultChunkSize,
		sendRate:     rate.Inf,
		executor:     goExecutor{},
		selector:     NewestOwnerFirst{},
		fetchState:   true,
	}
}

func applyOptions(opts []Option) settings {
	s := defaultSettings()
	for _, o := range opts {
		o(&s)
	}

	if s.waiter == nil {
		s.waiter = NewTopologyWaiter()
	}

	return s
}

// fetches reports whether gained segments are pulled at all.
func (s *settings) fetches() bool { return s.fetchState || s.transactional }

// useVersionedPut reports whether applied state is version checked.
func (s *settings) useVersionedPut() bool { return s.transactional && s.versioned }

// Option configures a Consumer or a Provider.
type Option func(*settings)

// WithCacheName sets the cache name carried by every message.
func WithCacheName(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.cache = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithTimeout bounds every state transfer RPC.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTopologyWait bounds how long a provider waits for a requested topology.
func WithTopologyWait(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.topologyWait = d
		}
	}
}

// WithChunkSize sets the maximum number of entries per chunk.
func WithChunkSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithChunkBytes adds a byte budget per chunk; zero disables it.
func WithChunkBytes(n int64) Option {
	return func(s *settings) {
		if n >= 0 {
			s.chunkBytes = n
		}
	}
}

// WithSendRate limits outbound pushes per second; zero or less means unlimited.
func WithSendRate(perSecond float64) Option {
	return func(s *settings) {
		if perSecond > 0 {
			s.sendRate = rate.Limit(perSecond)
		}
	}
}

// WithExecutor sets the executor running outbound transfers and transaction pulls.
func WithExecutor(e Executor) Option {
	return func(s *settings) {
		if e != nil {
			s.executor = e
		}
	}
}

// WithStore attaches the persistent store behind the container.
func WithStore(store LocalStore) Option {
	return func(s *settings) { s.store = store }
}

// WithTransactionTable enables transactional transfers with the given table.
func WithTransactionTable(tt TransactionTable) Option {
	return func(s *settings) {
		s.txTable = tt
		s.transactional = tt != nil
	}
}

// WithCoordinator sets who is told when a rebalance finished locally.
func WithCoordinator(c Coordinator) Option {
	return func(s *settings) { s.coordinator = c }
}

// WithSourceSelector changes the order owners are tried in.
func WithSourceSelector(sel SourceSelector) Option {
	return func(s *settings) {
		if sel != nil {
			s.selector = sel
		}
	}
}

// WithTopologyWaiter shares a waiter between the consumer and the provider of a node.
func WithTopologyWaiter(w *TopologyWaiter) Option {
	return func(s *settings) { s.waiter = w }
}

// WithMeter records transfer metrics with m.
func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithRehashListener registers a listener for data rehashed events.
func WithRehashListener(l RehashListener) Option {
	return func(s *settings) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// WithFetchState toggles pulling gained segments.
func WithFetchState(enabled bool) Option {
	return func(s *settings) { s.fetchState = enabled }
}

// WithVersionedWrites makes transactional caches apply state only when newer.
func WithVersionedWrites(enabled bool) Option {
	return func(s *settings) { s.versioned = enabled }
}
