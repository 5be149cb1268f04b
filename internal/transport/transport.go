// Package transport holds the pieces shared by the state transfer transports: the
// error type returned for failed node to node calls and the codec used on the wire.
package transport

import (
	"context"
	"errors"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// RPCError is a failed call to a remote node.
type RPCError struct {
	Op   string
	Node string
	Err  error
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}

	return e.Op + "(" + e.Node + "): " + e.Err.Error()
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *RPCError) Unwrap() error { return e.Err }

// Wrap returns err as an RPCError for op on node, or nil.
func Wrap(op, node string, err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return err
	}

	return &RPCError{Op: op, Node: node, Err: err}
}

// IsTimeout reports whether err is a deadline or cancellation.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, sentinel.ErrTimeoutOrCanceled)
}

// Codec marshals and unmarshals wire payloads.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}
