// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InboundKind tags the variants of an Inbound message.
type InboundKind uint8

const (
	KindRequest InboundKind = iota
	KindIndication
	KindInvalid
)

// Inbound is one message received from a peer that is not a response
// to an outstanding transaction.
type Inbound struct {
	Peer netip.AddrPort
	Kind InboundKind

	// Message is set for KindRequest and KindIndication.
	Message *Message
	// Invalid is set for KindInvalid.
	Invalid *InvalidMessage
}

// InvalidMessage describes a frame that was malformed but readable
// enough to identify, so a handler may still answer it with an error
// response.
type InvalidMessage struct {
	Class         Class
	Method        Method
	TransactionID TransactionID
	Cause         error
}

func (m *InvalidMessage) Error() string {
	return "stun: invalid " + m.Class.String() + ": " + m.Cause.Error()
}

// CallOutcome is the single resolution of one call transaction: the
// matched response (success or error class) or a transport, timeout,
// or cancellation error.
type CallOutcome struct {
	Response *Message
	Err      error
}

// ChannelConfig tunes transaction timing. The defaults follow the
// RFC 5389 §7.2 retransmission schedule.
type ChannelConfig struct {
	// RTO is the initial retransmission timeout on unreliable
	// transports. Default 500ms, doubling after each retransmission.
	RTO time.Duration
	// Rc is the total number of transmissions of one request on an
	// unreliable transport. Default 7.
	Rc int
	// Rm multiplies RTO for the final wait after the last
	// transmission. Default 16.
	Rm int
	// TI is the transaction timeout on reliable transports.
	// Default 39.5s.
	TI time.Duration
	// InboundBuffer is the capacity of the inbound message channel.
	// Default 8.
	InboundBuffer int
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.RTO <= 0 {
		c.RTO = 500 * time.Millisecond
	}
	if c.Rc <= 0 {
		c.Rc = 7
	}
	if c.Rm <= 0 {
		c.Rm = 16
	}
	if c.TI <= 0 {
		c.TI = 39500 * time.Millisecond
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 8
	}
	return c
}

// ChannelOption configures a Channel.
type ChannelOption func(*channelOptions)

type channelOptions struct {
	config ChannelConfig
	logger *zap.Logger
}

// WithChannelConfig overrides the transaction timing defaults.
func WithChannelConfig(cfg ChannelConfig) ChannelOption {
	return func(o *channelOptions) { o.config = cfg }
}

// WithChannelLogger sets the channel's logger. The default discards logs.
func WithChannelLogger(l *zap.Logger) ChannelOption {
	return func(o *channelOptions) { o.logger = l }
}

// Channel multiplexes STUN transactions over one Transporter. It
// matches responses to outstanding calls by transaction ID, handles
// request retransmission on unreliable transports, and exposes
// everything else it receives on Inbound.
//
// A Channel is exclusively owned by one driver (a Client or a server's
// handler driver), but Call, Cast and Reply are safe for concurrent use.
type Channel struct {
	transporter Transporter
	cfg         ChannelConfig
	logger      *zap.Logger

	inbound chan Inbound
	closing chan struct{} // closed when Close begins
	done    chan struct{} // closed when the read loop has exited

	closeOnce sync.Once

	mu      sync.Mutex
	pending map[TransactionID]*transaction
	dead    bool
	err     error // terminal error; nil means a clean end
}

type transaction struct {
	outcome chan CallOutcome
	done    chan struct{}
	once    sync.Once
}

// NewChannel wraps a transporter and starts its read loop. The channel
// takes ownership of the transporter.
func NewChannel(t Transporter, opts ...ChannelOption) *Channel {
	o := &channelOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	c := &Channel{
		transporter: t,
		cfg:         o.config.withDefaults(),
		logger:      o.logger,
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		pending:     make(map[TransactionID]*transaction),
	}
	c.inbound = make(chan Inbound, c.cfg.InboundBuffer)
	go c.readLoop()
	return c
}

// Inbound returns the stream of requests, indications and invalid
// messages received from peers. It is closed when the channel
// terminates; Err reports whether the termination was clean.
func (c *Channel) Inbound() <-chan Inbound { return c.inbound }

// Err returns the channel's terminal transport error. It is meaningful
// only after Inbound has been closed; nil means the stream ended
// cleanly (peer closed the connection, or Close was called).
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Outstanding returns the number of calls still awaiting resolution.
func (c *Channel) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LocalAddr returns the transporter's bound address.
func (c *Channel) LocalAddr() net.Addr { return c.transporter.LocalAddr() }

// Close shuts the channel down. In-flight transactions resolve with
// ErrChannelClosed and the inbound stream ends cleanly.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.transporter.Close()
	})
	return err
}

// Call sends a request transaction and returns a channel that carries
// exactly one CallOutcome: the matched response, a transport or timeout
// error, or ctx.Err() if the caller cancels. Cancelling ctx also stops
// retransmission of the request.
func (c *Channel) Call(ctx context.Context, peer netip.AddrPort, req *Message) <-chan CallOutcome {
	tx := &transaction{
		outcome: make(chan CallOutcome, 1),
		done:    make(chan struct{}),
	}
	if req == nil || req.Class != ClassRequest {
		c.resolve(req, tx, CallOutcome{Err: errors.New("stun: call requires a request-class message")})
		return tx.outcome
	}
	frame, err := req.Marshal()
	if err != nil {
		c.resolve(req, tx, CallOutcome{Err: err})
		return tx.outcome
	}

	c.mu.Lock()
	if c.dead {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrChannelClosed
		}
		c.resolve(req, tx, CallOutcome{Err: err})
		return tx.outcome
	}
	c.pending[req.TransactionID] = tx
	c.mu.Unlock()

	go c.runTransaction(ctx, tx, req, peer, frame)
	return tx.outcome
}

// Cast sends an indication, best effort. Indications are never
// retransmitted and never produce a response.
func (c *Channel) Cast(peer netip.AddrPort, ind *Message) error {
	if ind == nil || ind.Class != ClassIndication {
		return errors.New("stun: cast requires an indication-class message")
	}
	frame, err := ind.Marshal()
	if err != nil {
		return err
	}
	return c.transporter.Send(peer, frame)
}

// Reply sends a response for a previously received request. No
// acknowledgement is provided.
func (c *Channel) Reply(peer netip.AddrPort, resp *Message) error {
	if resp == nil || !resp.Class.IsResponse() {
		return errors.New("stun: reply requires a response-class message")
	}
	frame, err := resp.Marshal()
	if err != nil {
		return err
	}
	return c.transporter.Send(peer, frame)
}

// runTransaction drives one call: initial send, the retransmission
// schedule on unreliable transports, and timeout. Resolution may also
// arrive from the read loop (matched response) or from termination.
func (c *Channel) runTransaction(ctx context.Context, tx *transaction, req *Message, peer netip.AddrPort, frame []byte) {
	if err := c.transporter.Send(peer, frame); err != nil {
		c.resolve(req, tx, CallOutcome{Err: err})
		return
	}

	rto := c.cfg.RTO
	sent := 1
	var timer *time.Timer
	if c.transporter.Reliable() {
		timer = time.NewTimer(c.cfg.TI)
	} else {
		timer = time.NewTimer(rto)
	}
	defer timer.Stop()

	for {
		select {
		case <-tx.done:
			return
		case <-ctx.Done():
			c.resolve(req, tx, CallOutcome{Err: ctx.Err()})
			return
		case <-timer.C:
			if c.transporter.Reliable() || sent >= c.cfg.Rc {
				c.resolve(req, tx, CallOutcome{Err: ErrTransactionTimeout})
				return
			}
			if err := c.transporter.Send(peer, frame); err != nil {
				c.resolve(req, tx, CallOutcome{Err: err})
				return
			}
			sent++
			rto *= 2
			if sent == c.cfg.Rc {
				// final wait after the last transmission
				timer.Reset(c.cfg.RTO * time.Duration(c.cfg.Rm))
			} else {
				timer.Reset(rto)
			}
			c.logger.Debug("retransmitted request",
				zap.Stringer("peer", peer),
				zap.Stringer("transaction", req.TransactionID),
				zap.Int("sent", sent))
		}
	}
}

// resolve delivers the outcome of a transaction exactly once and
// deregisters it.
func (c *Channel) resolve(req *Message, tx *transaction, out CallOutcome) {
	tx.once.Do(func() {
		if req != nil {
			c.mu.Lock()
			delete(c.pending, req.TransactionID)
			c.mu.Unlock()
		}
		tx.outcome <- out
		close(tx.done)
	})
}

func (c *Channel) readLoop() {
	for {
		peer, frame, err := c.transporter.Recv()
		if err != nil {
			c.terminate(err)
			return
		}
		msg, derr := UnmarshalMessage(frame)
		switch {
		case errors.Is(derr, ErrNotSTUNMessage):
			c.logger.Debug("dropped unidentifiable frame",
				zap.Stringer("peer", peer), zap.Error(derr))
			continue
		case derr != nil:
			inv := &InvalidMessage{
				Class:         msg.Class,
				Method:        msg.Method,
				TransactionID: msg.TransactionID,
				Cause:         derr,
			}
			if !c.deliver(Inbound{Peer: peer, Kind: KindInvalid, Invalid: inv}) {
				return
			}
			continue
		}

		if msg.Class.IsResponse() {
			c.mu.Lock()
			tx := c.pending[msg.TransactionID]
			c.mu.Unlock()
			if tx == nil {
				c.logger.Debug("dropped unmatched response",
					zap.Stringer("peer", peer),
					zap.Stringer("transaction", msg.TransactionID))
				continue
			}
			c.resolve(msg, tx, CallOutcome{Response: msg})
			continue
		}

		kind := KindRequest
		if msg.Class == ClassIndication {
			kind = KindIndication
		}
		if !c.deliver(Inbound{Peer: peer, Kind: kind, Message: msg}) {
			return
		}
	}
}

// deliver hands an inbound message to the owning driver, unless the
// channel is being closed underneath a stalled consumer.
func (c *Channel) deliver(in Inbound) bool {
	select {
	case c.inbound <- in:
		return true
	case <-c.closing:
		c.terminate(net.ErrClosed)
		return false
	}
}

// terminate records the channel's terminal state, fails every pending
// transaction, and ends the inbound stream. A read error caused by
// Close, the peer closing cleanly (io.EOF), or a stalled-close is a
// clean end; anything else is fatal.
func (c *Channel) terminate(recvErr error) {
	clean := errors.Is(recvErr, io.EOF) || errors.Is(recvErr, net.ErrClosed)
	select {
	case <-c.closing:
		clean = true
	default:
	}

	c.mu.Lock()
	c.dead = true
	if !clean {
		c.err = recvErr
	}
	orphans := make([]*transaction, 0, len(c.pending))
	for _, tx := range c.pending {
		orphans = append(orphans, tx)
	}
	c.pending = make(map[TransactionID]*transaction)
	c.mu.Unlock()

	failure := c.err
	if failure == nil {
		failure = ErrChannelClosed
	}
	for _, tx := range orphans {
		c.resolve(nil, tx, CallOutcome{Err: failure})
	}
	if !clean {
		c.logger.Debug("channel terminated", zap.Error(recvErr))
	}
	close(c.inbound)
	close(c.done)
}
