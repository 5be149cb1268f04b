package statetransfer

import (
	"context"

	"github.com/hyp3rd/ewrap"
)

// Dispatcher is the Handler of one node: requests go to the provider, pushed state
// goes to the consumer.
type Dispatcher struct {
	cache    string
	consumer *Consumer
	provider *Provider
}

// NewDispatcher wires a consumer and a provider of the same cache.
func NewDispatcher(consumer *Consumer, provider *Provider) *Dispatcher {
	return &Dispatcher{cache: consumer.cfg.cache, consumer: consumer, provider: provider}
}

// HandleStateRequest implements Handler.
func (d *Dispatcher) HandleStateRequest(ctx context.Context, req StateRequest) (StateResponse, error) {
	if err := d.checkCache(req.Cache); err != nil {
		return StateResponse{}, err
	}

	return d.provider.HandleRequest(ctx, req)
}

// HandleStatePush implements Handler.
func (d *Dispatcher) HandleStatePush(ctx context.Context, push StatePush) error {
	if err := d.checkCache(push.Cache); err != nil {
		return err
	}

	return d.consumer.ApplyState(ctx, push.Sender, push.TopologyID, push.Chunks)
}

func (d *Dispatcher) checkCache(name string) error {
	if name != "" && name != d.cache {
		return ewrap.Newf("state transfer message for cache %q sent to %q", name, d.cache)
	}

	return nil
}
