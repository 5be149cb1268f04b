package backend

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/internal/transport"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
)

// internal status code threshold for error classification.
const statusThreshold = 300

const (
	errMsgNewRequest = "new request"
	errMsgDoRequest  = "do request"
)

// DistHTTPTransport implements statetransfer.Transport over HTTP JSON.
type DistHTTPTransport struct {
	client    *http.Client
	baseURLFn func(nodeID string) (string, bool) // resolves nodeID -> base URL (scheme+host)
	latency   latencyCollector
}

// NewDistHTTPTransport creates a new HTTP transport. The timeout bounds every call on
// top of the context deadline.
func NewDistHTTPTransport(timeout time.Duration, resolver func(string) (string, bool)) *DistHTTPTransport {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &DistHTTPTransport{
		client:    &http.Client{Timeout: timeout},
		baseURLFn: resolver,
	}
}

// RequestTransactions implements statetransfer.Transport.
func (t *DistHTTPTransport) RequestTransactions(
	ctx context.Context,
	target cluster.NodeID,
	req statetransfer.StateRequest,
) ([]statetransfer.TransactionInfo, error) {
	var resp statetransfer.StateResponse

	err := t.call(ctx, opRequestTransactions, target, pathStateRequest, &req, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Transactions, nil
}

// RequestSegments implements statetransfer.Transport.
func (t *DistHTTPTransport) RequestSegments(ctx context.Context, target cluster.NodeID, req statetransfer.StateRequest) error {
	return t.call(ctx, opRequestSegments, target, pathStateRequest, &req, nil)
}

// CancelSegments implements statetransfer.Transport.
func (t *DistHTTPTransport) CancelSegments(ctx context.Context, target cluster.NodeID, req statetransfer.StateRequest) error {
	return t.call(ctx, opCancelSegments, target, pathStateRequest, &req, nil)
}

// PushState implements statetransfer.Transport.
func (t *DistHTTPTransport) PushState(ctx context.Context, target cluster.NodeID, push statetransfer.StatePush) error {
	return t.call(ctx, opPushState, target, pathStatePush, &push, nil)
}

// Health checks that target answers.
func (t *DistHTTPTransport) Health(ctx context.Context, target cluster.NodeID) error {
	base, ok := t.baseURLFn(string(target))
	if !ok {
		return transport.Wrap("health", string(target), sentinel.ErrNodeNotFound)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+pathHealth, nil)
	if err != nil {
		return ewrap.Wrap(err, errMsgNewRequest)
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		return transport.Wrap("health", string(target), ewrap.Wrap(err, errMsgDoRequest))
	}

	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // best-effort

	if resp.StatusCode >= statusThreshold {
		return transport.Wrap("health", string(target), ewrap.Newf("health status %d", resp.StatusCode))
	}

	return nil
}

// Latency returns the call latency histograms recorded so far.
func (t *DistHTTPTransport) Latency() LatencySnapshot { return t.latency.snapshot() }

func (t *DistHTTPTransport) call(ctx context.Context, op rpcOp, target cluster.NodeID, path string, body, out any) error {
	start := time.Now()

	err := t.post(ctx, target, path, body, out)
	t.latency.observe(op, time.Since(start), err)

	return transport.Wrap(op.String(), string(target), err)
}

func (t *DistHTTPTransport) post(ctx context.Context, target cluster.NodeID, path string, body, out any) error {
	base, ok := t.baseURLFn(string(target))
	if !ok {
		return sentinel.ErrNodeNotFound
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return ewrap.Wrap(err, "marshal request")
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return ewrap.Wrap(err, errMsgNewRequest)
	}

	hreq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return ewrap.Wrap(sentinel.ErrTimeoutOrCanceled, err.Error())
		}

		return ewrap.Wrap(err, errMsgDoRequest)
	}

	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // best-effort

	if resp.StatusCode >= statusThreshold {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for keep-alive

		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return ewrap.Wrap(err, "decode response")
	}

	return nil
}

// decodeError turns a failed response into an error matching ErrRequestFailed, and the
// remote sentinel when the server sent a known code.
func decodeError(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ewrap.Wrap(err, "read error body")
	}

	var body httpErrorResponse

	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = string(raw)
	}

	if known, ok := errorFromCode(body.Code); ok {
		return ewrap.Wrapf(known, "remote status %d: %s", resp.StatusCode, body.Error)
	}

	return ewrap.Wrapf(sentinel.ErrRequestFailed, "remote status %d: %s", resp.StatusCode, body.Error)
}
