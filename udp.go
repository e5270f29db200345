// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

// UDPTransporter carries STUN frames over a single UDP socket shared by
// an unbounded set of peers. One datagram is one frame.
type UDPTransporter struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP socket suitable for a server or a multi-peer client.
func ListenUDP(addr string) (*UDPTransporter, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "stun: resolve udp bind address")
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "stun: bind udp socket")
	}
	return &UDPTransporter{conn: conn}, nil
}

// NewUDPTransporter wraps an already-bound UDP socket. The transporter
// takes ownership of the socket.
func NewUDPTransporter(conn *net.UDPConn) *UDPTransporter {
	return &UDPTransporter{conn: conn}
}

func (t *UDPTransporter) Send(peer netip.AddrPort, frame []byte) error {
	if _, err := t.conn.WriteToUDPAddrPort(frame, peer); err != nil {
		return errors.Wrapf(err, "stun: udp send to %s", peer)
	}
	return nil
}

func (t *UDPTransporter) Recv() (netip.AddrPort, []byte, error) {
	buf := make([]byte, MaxMessageSize)
	n, peer, err := t.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return netip.AddrPort{}, nil, err
	}
	return peer, buf[:n], nil
}

func (t *UDPTransporter) Reliable() bool { return false }

func (t *UDPTransporter) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *UDPTransporter) Close() error { return t.conn.Close() }
