// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"context"
	"net/netip"
	"sync"

	"go.uber.org/zap"
)

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger *zap.Logger
}

// WithClientLogger sets the client driver's logger. The default
// discards logs.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// Client is a STUN client multiplexing calls and casts over one
// Channel. It is safe for concurrent use from many goroutines; all
// coordination happens over the driver's command queue, never through
// shared mutable state.
//
// The Client owns its Channel. Closing the Client shuts the driver
// down once every outstanding transaction has resolved, then closes
// the Channel.
type Client struct {
	commands chan<- command
	closeMu  sync.Mutex
	closed   bool
}

type command struct {
	peer netip.AddrPort

	// call fields; nil msg slots mean a cast
	ctx     context.Context
	request *Message
	reply   chan CallOutcome // buffered, single resolution

	indication *Message
}

// NewClient starts a client driver on the given channel.
func NewClient(channel *Channel, opts ...ClientOption) *Client {
	o := &clientOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	commands := make(chan command)
	d := &clientDriver{
		channel:  channel,
		commands: commands,
		logger:   o.logger,
	}
	go d.run()
	return &Client{commands: commands}
}

// Call sends the request to the peer and waits for the matching
// response (success or error class). Each call resolves exactly once;
// cancelling ctx abandons the transaction (stopping any retransmission)
// without affecting other outstanding calls.
func (c *Client) Call(ctx context.Context, peer netip.AddrPort, req *Message) (*Message, error) {
	reply := make(chan CallOutcome, 1)
	cmd := command{ctx: ctx, peer: peer, request: req, reply: reply}
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		// The driver still resolves the reply slot; nobody reads it.
		return nil, ctx.Err()
	case out := <-reply:
		return out.Response, out.Err
	}
}

// Cast sends the indication to the peer, fire-and-forget. It fails
// only if the client has been closed; delivery is never confirmed.
func (c *Client) Cast(peer netip.AddrPort, ind *Message) error {
	return c.send(command{peer: peer, indication: ind})
}

// Close stops accepting new commands. The driver keeps running until
// every outstanding transaction has resolved, then closes the channel.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.commands)
	return nil
}

func (c *Client) send(cmd command) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.commands <- cmd
	return nil
}

// clientDriver is the single goroutine owning the client's channel. It
// drains the command queue, forwards commands to the channel, and
// discards inbound messages; the client role does not serve requests.
type clientDriver struct {
	channel  *Channel
	commands <-chan command
	logger   *zap.Logger

	// outstanding tracks completion watchers for issued calls so the
	// driver can hold the channel open until they all resolve.
	outstanding sync.WaitGroup

	// failure is the channel's terminal error once it has died;
	// subsequent calls resolve immediately with it.
	failure error
}

func (d *clientDriver) run() {
	defer d.channel.Close()

	commands := d.commands
	inbound := d.channel.Inbound()
	var drained chan struct{}
	for {
		select {
		case cmd, ok := <-commands:
			if !ok {
				// All client handles dropped. Keep discarding inbound
				// traffic so the read loop can still match responses
				// for the outstanding transactions; stop once they have
				// all resolved.
				commands = nil
				drained = make(chan struct{})
				go func() {
					d.outstanding.Wait()
					close(drained)
				}()
				continue
			}
			d.handle(cmd)
		case <-drained:
			return
		case in, ok := <-inbound:
			if !ok {
				// The channel died underneath us. Keep serving the
				// command queue so callers fail fast with the stored
				// error instead of blocking.
				d.failure = d.channel.Err()
				if d.failure == nil {
					d.failure = ErrChannelClosed
				}
				d.logger.Debug("client channel terminated", zap.Error(d.failure))
				inbound = nil
				continue
			}
			d.logger.Debug("discarded inbound message",
				zap.Stringer("peer", in.Peer))
		}
	}
}

func (d *clientDriver) handle(cmd command) {
	if cmd.indication != nil {
		// Casts are best effort; after a channel failure they are
		// silently dropped.
		if d.failure != nil {
			return
		}
		if err := d.channel.Cast(cmd.peer, cmd.indication); err != nil {
			d.logger.Debug("cast failed",
				zap.Stringer("peer", cmd.peer), zap.Error(err))
		}
		return
	}

	if d.failure != nil {
		// Fail fast with the stored error; the transport is gone.
		cmd.reply <- CallOutcome{Err: d.failure}
		return
	}
	outcome := d.channel.Call(cmd.ctx, cmd.peer, cmd.request)
	d.outstanding.Add(1)
	go func() {
		defer d.outstanding.Done()
		// The reply slot is buffered: an abandoned caller never
		// blocks resolution.
		cmd.reply <- <-outcome
	}()
}
