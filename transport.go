// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"net"
	"net/netip"
)

// Transporter moves raw STUN frames between this agent and its peers.
// A Transporter is exclusively owned by one Channel.
//
// Send must be safe for concurrent use; Recv is only ever called from
// the owning channel's read loop.
type Transporter interface {
	// Send transmits one frame to the given peer. Connection-oriented
	// transporters may ignore the peer argument.
	Send(peer netip.AddrPort, frame []byte) error

	// Recv blocks until the next frame arrives, the transporter is
	// closed (net.ErrClosed), or the stream ends (io.EOF).
	Recv() (netip.AddrPort, []byte, error)

	// Reliable reports whether the underlying transport guarantees
	// delivery. Channels retransmit request transactions on
	// unreliable transporters.
	Reliable() bool

	// LocalAddr returns the bound local address.
	LocalAddr() net.Addr

	Close() error
}
