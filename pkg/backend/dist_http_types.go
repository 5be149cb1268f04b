package backend

import (
	"errors"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Routes served by DistHTTPServer.
const (
	pathStateRequest = "/internal/state/request"
	pathStatePush    = "/internal/state/push"
	pathHealth       = "/health"
)

// httpErrorResponse is the body of every failed state transfer call. Code carries a
// known sentinel across the wire.
type httpErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

//nolint:gochecknoglobals
var wireErrors = map[string]error{
	"stale-topology":    sentinel.ErrStaleTopology,
	"timeout":           sentinel.ErrTimeoutOrCanceled,
	"topology-missing":  sentinel.ErrTopologyMissing,
	"task-terminated":   sentinel.ErrTaskTerminated,
	"transfer-canceled": sentinel.ErrTransferCancelled,
}

func errorCode(err error) string {
	for code, target := range wireErrors {
		if errors.Is(err, target) {
			return code
		}
	}

	return ""
}

func errorFromCode(code string) (error, bool) {
	err, ok := wireErrors[code]

	return err, ok
}
