// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DialOption configures the Dial helpers.
type DialOption func(*dialOptions)

type dialOptions struct {
	logger     *zap.Logger
	channelCfg ChannelConfig
	localAddr  string
}

// WithDialLogger sets the logger used by the dialed client's channel
// and driver. The default discards logs.
func WithDialLogger(l *zap.Logger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// WithDialChannelConfig overrides transaction timing for the dialed
// client's channel.
func WithDialChannelConfig(cfg ChannelConfig) DialOption {
	return func(o *dialOptions) { o.channelCfg = cfg }
}

// WithLocalAddr sets the local bind address for DialUDP. The default
// is an ephemeral port on all interfaces.
func WithLocalAddr(addr string) DialOption {
	return func(o *dialOptions) { o.localAddr = addr }
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{logger: zap.NewNop(), localAddr: ":0"}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DialUDP binds a local UDP socket and returns a client that can call
// or cast to any peer address. Requests are retransmitted per the
// channel's RFC 5389 schedule.
func DialUDP(opts ...DialOption) (*Client, error) {
	o := newDialOptions(opts)
	transporter, err := ListenUDP(o.localAddr)
	if err != nil {
		return nil, err
	}
	return newClientOn(transporter, o), nil
}

// DialTCP connects to a single peer over TCP and returns a client
// bound to it. The peer argument of Call and Cast is ignored by the
// underlying transporter.
func DialTCP(ctx context.Context, raddr string, opts ...DialOption) (*Client, error) {
	o := newDialOptions(opts)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "stun: dial tcp %s", raddr)
	}
	transporter, err := NewTCPTransporter(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newClientOn(transporter, o), nil
}

func newClientOn(t Transporter, o *dialOptions) *Client {
	channel := NewChannel(t,
		WithChannelConfig(o.channelCfg),
		WithChannelLogger(o.logger))
	return NewClient(channel, WithClientLogger(o.logger))
}
