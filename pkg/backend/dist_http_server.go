package backend

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
)

const (
	httpReadTimeout  = 5 * time.Second
	httpWriteTimeout = 5 * time.Second
	// httpHandlerTimeout bounds a single state transfer call on the server side.
	httpHandlerTimeout = 30 * time.Second
)

// DistHTTPServer exposes a statetransfer.Handler to DistHTTPTransport peers.
type DistHTTPServer struct {
	app  *fiber.App
	ln   net.Listener
	addr string
}

// NewDistHTTPServer creates a server that will listen on addr.
func NewDistHTTPServer(addr string) *DistHTTPServer {
	app := fiber.New(fiber.Config{
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	return &DistHTTPServer{app: app, addr: addr}
}

// Start registers the routes and serves in the background. ctx scopes the handler
// calls: once it is done every call fails.
func (s *DistHTTPServer) Start(ctx context.Context, h statetransfer.Handler) error {
	// POST /internal/state/request
	// body: statetransfer.StateRequest
	s.app.Post(pathStateRequest, func(fctx fiber.Ctx) error {
		var req statetransfer.StateRequest

		err := json.Unmarshal(fctx.Body(), &req)
		if err != nil {
			return fctx.Status(fiber.StatusBadRequest).JSON(httpErrorResponse{Error: err.Error()})
		}

		cctx, cancel := context.WithTimeout(ctx, httpHandlerTimeout)
		defer cancel()

		resp, err := h.HandleStateRequest(cctx, req)
		if err != nil {
			return writeError(fctx, err)
		}

		return fctx.JSON(resp)
	})

	// POST /internal/state/push
	// body: statetransfer.StatePush
	s.app.Post(pathStatePush, func(fctx fiber.Ctx) error {
		var push statetransfer.StatePush

		err := json.Unmarshal(fctx.Body(), &push)
		if err != nil {
			return fctx.Status(fiber.StatusBadRequest).JSON(httpErrorResponse{Error: err.Error()})
		}

		cctx, cancel := context.WithTimeout(ctx, httpHandlerTimeout)
		defer cancel()

		err = h.HandleStatePush(cctx, push)
		if err != nil {
			return writeError(fctx, err)
		}

		return fctx.SendStatus(fiber.StatusNoContent)
	})

	s.app.Get(pathHealth, func(fctx fiber.Ctx) error {
		return fctx.SendString("ok")
	})

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "dist http listen")
	}

	s.ln = ln

	go func() {
		_ = s.app.Listener(ln) //nolint:errcheck // returns on shutdown
	}()

	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *DistHTTPServer) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Stop shuts the server down, bounded by ctx.
func (s *DistHTTPServer) Stop(ctx context.Context) error {
	if s == nil || s.ln == nil {
		return nil
	}

	ch := make(chan error, 1)

	go func() { ch <- s.app.Shutdown() }()

	select {
	case <-ctx.Done():
		return ewrap.Newf("http server shutdown timeout")
	case err := <-ch:
		return err
	}
}

func writeError(fctx fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	switch {
	case errors.Is(err, sentinel.ErrTimeoutOrCanceled), errors.Is(err, context.DeadlineExceeded):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, sentinel.ErrStaleTopology):
		status = fiber.StatusConflict
	}

	return fctx.Status(status).JSON(httpErrorResponse{Error: err.Error(), Code: errorCode(err)})
}
