// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"io"
	"net"
	"net/netip"
	"sync"
)

// memNetwork is an in-process packet network for tests: endpoints are
// keyed by address, frames hop between them through buffered channels,
// and the test can drop frames or inject transport faults.
type memNetwork struct {
	mu        sync.Mutex
	endpoints map[netip.AddrPort]*memTransporter

	// drop, when set, filters outgoing frames.
	drop func(from, to netip.AddrPort, frame []byte) bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{endpoints: make(map[netip.AddrPort]*memTransporter)}
}

func (n *memNetwork) endpoint(addr string, reliable bool) *memTransporter {
	ap := netip.MustParseAddrPort(addr)
	t := &memTransporter{
		network:  n,
		addr:     ap,
		reliable: reliable,
		in:       make(chan memFrame, 64),
		faults:   make(chan error, 1),
		closed:   make(chan struct{}),
		eof:      make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[ap] = t
	n.mu.Unlock()
	return t
}

func (n *memNetwork) setDrop(f func(from, to netip.AddrPort, frame []byte) bool) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

type memFrame struct {
	from netip.AddrPort
	data []byte
}

type memTransporter struct {
	network  *memNetwork
	addr     netip.AddrPort
	reliable bool

	in     chan memFrame
	faults chan error

	closeOnce sync.Once
	closed    chan struct{}

	eofOnce sync.Once
	eof     chan struct{}
}

func (t *memTransporter) Send(peer netip.AddrPort, frame []byte) error {
	t.network.mu.Lock()
	target := t.network.endpoints[peer]
	drop := t.network.drop
	t.network.mu.Unlock()

	if drop != nil && drop(t.addr, peer, frame) {
		return nil
	}
	if target == nil {
		// Datagram networks lose frames to unknown peers silently.
		return nil
	}
	data := make([]byte, len(frame))
	copy(data, frame)
	select {
	case target.in <- memFrame{from: t.addr, data: data}:
	case <-target.closed:
	}
	return nil
}

func (t *memTransporter) Recv() (netip.AddrPort, []byte, error) {
	select {
	case f := <-t.in:
		return f.from, f.data, nil
	case err := <-t.faults:
		return netip.AddrPort{}, nil, err
	case <-t.eof:
		return netip.AddrPort{}, nil, io.EOF
	case <-t.closed:
		return netip.AddrPort{}, nil, net.ErrClosed
	}
}

func (t *memTransporter) Reliable() bool { return t.reliable }

func (t *memTransporter) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(t.addr)
}

func (t *memTransporter) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// fail makes the next Recv return err, simulating a fatal transport fault.
func (t *memTransporter) fail(err error) { t.faults <- err }

// endOfStream makes the next Recv return io.EOF, simulating the peer
// closing a stream transport cleanly.
func (t *memTransporter) endOfStream() {
	t.eofOnce.Do(func() { close(t.eof) })
}

func (t *memTransporter) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
