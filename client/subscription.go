package client

import (
	"context"
	"errors"
	"io"

	"github.com/xiaonanln/netfabric/core"
	"github.com/xiaonanln/netfabric/util/backoff"
	"github.com/xiaonanln/netfabric/wire"
)

// subscription keeps one Subscribe stream open, reopening it with backoff
// when it breaks.
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) stop() {
	s.cancel()
	<-s.done
}

// OnContainerUpdate calls cb for every registry event until the returned
// function is called or the client closes. Callbacks run sequentially in
// event order. Events raised while the stream is being reopened are lost;
// callers needing a full view should List after subscribing.
func (c *NetworkClient) OnContainerUpdate(cb func(core.ContainerEvent)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.closedErr()
	}
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = cb
	if c.subscription == nil {
		ctx, cancel := context.WithCancel(c.ctx)
		c.subscription = &subscription{cancel: cancel, done: make(chan struct{})}
		go c.subscribeLoop(ctx, c.subscription.done)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}, nil
}

func (c *NetworkClient) dispatch(ev core.ContainerEvent) {
	c.mu.Lock()
	cbs := make([]func(core.ContainerEvent), 0, len(c.listeners))
	for _, cb := range c.listeners {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (c *NetworkClient) subscribeLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	bo := backoff.New(c.options.ReconnectInterval, c.options.MaxReconnectInterval, 2, backoff.WithJitter(0.2))

	for ctx.Err() == nil {
		err := c.consume(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warnf("Event stream from %s broke: %v; resubscribing", c.address, err)
		if err := bo.Wait(ctx); err != nil {
			return
		}
	}
}

func (c *NetworkClient) consume(ctx context.Context, bo *backoff.Backoff) error {
	stream, err := wire.OpenStream[wire.SubscribeRequest, core.ContainerEvent](ctx, c.conn, wire.SubscribeStreamDesc, wire.NetworkSubscribe,
		&wire.SubscribeRequest{ClientID: c.id})
	if err != nil {
		return err
	}
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("stream closed by network")
			}
			return err
		}
		bo.Reset()
		c.dispatch(*ev)
	}
}
