// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// handlerDriver is the single goroutine owning one Channel and one
// Handler. It dispatches inbound messages to the handler and forwards
// deferred replies back into the channel. Deferred computations run in
// their own goroutines and never touch the channel directly; completed
// replies funnel through the driver's reply queue, in completion order.
type handlerDriver struct {
	channel *Channel
	handler Handler
	logger  *zap.Logger

	replies chan peerResponse
	done    chan struct{}
}

type peerResponse struct {
	peer     netip.AddrPort
	response *Message
}

func newHandlerDriver(channel *Channel, handler Handler, logger *zap.Logger) *handlerDriver {
	return &handlerDriver{
		channel: channel,
		handler: handler,
		logger:  logger,
		replies: make(chan peerResponse, 16),
		done:    make(chan struct{}),
	}
}

// run drives the handler until the channel's inbound stream ends. A
// clean end returns nil (the TCP peer closed); a transport error is
// reported to the handler and then returned. The channel is closed on
// the way out, resolving whatever deferred work remains.
func (d *handlerDriver) run(ctx context.Context) error {
	defer close(d.done)
	defer d.channel.Close()

	inbound := d.channel.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pr := <-d.replies:
			d.reply(pr.peer, pr.response)
		case in, ok := <-inbound:
			if !ok {
				if err := d.channel.Err(); err != nil {
					d.handler.HandleTransportError(err)
					return err
				}
				return nil
			}
			if err := d.dispatch(ctx, in); err != nil {
				return err
			}
		}
	}
}

func (d *handlerDriver) dispatch(ctx context.Context, in Inbound) error {
	switch in.Kind {
	case KindIndication:
		act := d.handler.HandleCast(in.Peer, in.Message)
		switch act.kind {
		case actionNoReply:
		case actionFutureNoReply:
			go act.task(ctx)
		default:
			// Indications cannot carry a response; this is a
			// programming error in the handler.
			return errors.Wrapf(ErrContractViolation, "indication from %s", in.Peer)
		}
		return nil
	case KindInvalid:
		d.perform(ctx, in.Peer, d.handler.HandleInvalid(in.Peer, in.Invalid))
		return nil
	default:
		d.perform(ctx, in.Peer, d.handler.HandleCall(in.Peer, in.Message))
		return nil
	}
}

func (d *handlerDriver) perform(ctx context.Context, peer netip.AddrPort, act Action[*Message]) {
	switch act.kind {
	case actionNoReply:
	case actionReply:
		d.reply(peer, act.reply)
	case actionFutureNoReply:
		go act.task(ctx)
	case actionFutureReply:
		go func() {
			resp := act.future(ctx)
			select {
			case d.replies <- peerResponse{peer: peer, response: resp}:
			case <-d.done:
				// Driver already gone; the reply has nowhere to go.
			}
		}()
	}
}

func (d *handlerDriver) reply(peer netip.AddrPort, resp *Message) {
	if err := d.channel.Reply(peer, resp); err != nil {
		// A failed reply is not fatal to the driver: on UDP the
		// channel stays healthy, and on TCP the read side will
		// surface the connection failure.
		d.logger.Warn("failed to send reply",
			zap.Stringer("peer", peer), zap.Error(err))
	}
}
