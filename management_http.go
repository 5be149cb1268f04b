package hypergrid

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/dist"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// ManagementHTTPOption configures the management HTTP server.
type ManagementHTTPOption func(*ManagementHTTPServer)

// ManagementHTTPServer holds Fiber app and settings.
type ManagementHTTPServer struct {
	addr         string
	app          *fiber.App
	readTimeout  time.Duration
	writeTimeout time.Duration
	authFunc     func(fiber.Ctx) error
	ln           net.Listener
	started      bool
}

// WithMgmtAuth sets an auth function (return error to block).
func WithMgmtAuth(fn func(fiber.Ctx) error) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.authFunc = fn }
}

// WithMgmtReadTimeout sets read timeout.
func WithMgmtReadTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.readTimeout = d }
}

// WithMgmtWriteTimeout sets write timeout.
func WithMgmtWriteTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.writeTimeout = d }
}

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// NewManagementHTTPServer builds an HTTP server holder (lazy start). Options are applied
// before the Fiber app is created.
func NewManagementHTTPServer(addr string, opts ...ManagementHTTPOption) *ManagementHTTPServer {
	srv := &ManagementHTTPServer{
		addr:         addr,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts { // apply options
		opt(srv)
	}

	srv.app = fiber.New(fiber.Config{
		ReadTimeout:  srv.readTimeout,
		WriteTimeout: srv.writeTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	return srv
}

// managementNode is what the management endpoints need from a node.
type managementNode interface {
	ID() cluster.NodeID
	Config() dist.Config
	Status() NodeStatus
	Topology() *cluster.Topology
	Install(ctx context.Context, top *cluster.Topology, isRebalance bool) error
	Owners(key string) (read, write []cluster.NodeID, err error)
	Peers() *cluster.Membership
}

// Start launches listener (idempotent). Caller provides the node for handler wiring.
func (s *ManagementHTTPServer) Start(ctx context.Context, node managementNode) error {
	if s.started { // idempotent
		return nil
	}

	s.mountRoutes(ctx, node)

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "mgmt listen")
	}

	s.ln = ln

	go func() { // serve in background, Listener returns on shutdown
		_ = s.app.Listener(ln) //nolint:errcheck
	}()

	s.started = true

	return nil
}

// Address returns the bound address (useful when passing ":0" for ephemeral port). Empty if not started yet.
func (s *ManagementHTTPServer) Address() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *ManagementHTTPServer) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}

	ch := make(chan error, 1)

	go func() {
		ch <- s.app.Shutdown()
	}()

	select {
	case <-ctx.Done():
		return sentinel.ErrMgmtHTTPShutdownTimeout
	case err := <-ch:
		return err
	}
}

// mountRoutes registers every management endpoint.
func (s *ManagementHTTPServer) mountRoutes(ctx context.Context, node managementNode) {
	useAuth := s.wrapAuth
	s.registerBasic(useAuth, node)
	s.registerStateTransfer(useAuth, node)
	s.registerCluster(ctx, useAuth, node)
}

// wrapAuth returns an auth-wrapped handler if authFunc provided.
func (s *ManagementHTTPServer) wrapAuth(handler fiber.Handler) fiber.Handler {
	if s.authFunc == nil {
		return handler
	}

	return func(fiberCtx fiber.Ctx) error {
		authErr := s.authFunc(fiberCtx)
		if authErr != nil {
			return authErr
		}

		return handler(fiberCtx)
	}
}

func (s *ManagementHTTPServer) registerBasic(useAuth func(fiber.Handler) fiber.Handler, node managementNode) {
	s.app.Get("/health", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.SendString("ok") }))
	s.app.Get("/config", useAuth(func(fiberCtx fiber.Ctx) error {
		cfg := node.Config()

		return fiberCtx.JSON(fiber.Map{
			"node":                 cfg.NodeID,
			"cache":                cfg.CacheName,
			"numSegments":          cfg.NumSegments,
			"numOwners":            cfg.NumOwners,
			"virtualNodes":         cfg.VirtualNodes,
			"segmenter":            cfg.Segmenter,
			"chunkSize":            cfg.ChunkSize,
			"chunkBytes":           cfg.ChunkBytes,
			"stateTransferTimeout": cfg.StateTransferTimeout.String(),
			"topologyWaitTimeout":  cfg.TopologyWaitTimeout.String(),
			"fetchInMemoryState":   cfg.FetchInMemoryState,
			"transactional":        cfg.Transactional,
			"versioned":            cfg.Versioned,
			"store":                cfg.Store,
		})
	}))
}

func (s *ManagementHTTPServer) registerStateTransfer(useAuth func(fiber.Handler) fiber.Handler, node managementNode) {
	s.app.Get("/statetransfer/status", useAuth(func(fiberCtx fiber.Ctx) error {
		return fiberCtx.JSON(node.Status())
	}))
}

func (s *ManagementHTTPServer) registerCluster(
	ctx context.Context,
	useAuth func(fiber.Handler) fiber.Handler,
	node managementNode,
) {
	s.app.Get("/cluster/members", useAuth(func(fiberCtx fiber.Ctx) error {
		peers := node.Peers().List()

		members := make([]fiber.Map, 0, len(peers))
		for _, p := range peers {
			members = append(members, fiber.Map{
				"id":          p.ID,
				"address":     p.Address,
				"state":       p.State.String(),
				"incarnation": p.Incarnation,
			})
		}

		return fiberCtx.JSON(fiber.Map{"node": node.ID(), "members": members})
	}))
	s.app.Get("/cluster/topology", useAuth(func(fiberCtx fiber.Ctx) error {
		top := node.Topology()
		if top == nil {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": sentinel.ErrTopologyMissing.Error()})
		}

		return fiberCtx.JSON(DescribeTopology(top))
	}))
	s.app.Post("/cluster/topology", useAuth(func(fiberCtx fiber.Ctx) error {
		var doc TopologyDoc

		err := json.Unmarshal(fiberCtx.Body(), &doc)
		if err != nil {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		top, err := doc.Build(node.Config())
		if err != nil {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		err = node.Install(ctx, top, doc.Rebalance)
		if err != nil {
			status := fiber.StatusInternalServerError
			if errors.Is(err, sentinel.ErrStaleTopology) {
				status = fiber.StatusConflict
			}

			return fiberCtx.Status(status).JSON(fiber.Map{"error": err.Error()})
		}

		return fiberCtx.SendStatus(fiber.StatusAccepted)
	}))
	s.app.Get("/cluster/owners", useAuth(func(fiberCtx fiber.Ctx) error {
		key := fiberCtx.Query("key")
		if key == "" {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing key"})
		}

		read, write, err := node.Owners(key)
		if err != nil {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}

		return fiberCtx.JSON(fiber.Map{"key": key, "readOwners": read, "writeOwners": write})
	}))
}
