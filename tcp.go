// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"bufio"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

// TCPTransporter carries STUN frames over one TCP connection to a
// single fixed peer. Frames are delimited by the message length field
// in the 20-byte STUN header; no extra framing is added.
type TCPTransporter struct {
	conn    net.Conn
	peer    netip.AddrPort
	br      *bufio.Reader
	writeMu sync.Mutex
}

// NewTCPTransporter wraps an established connection (accepted or
// dialed). The transporter takes ownership of the connection.
func NewTCPTransporter(conn net.Conn) (*TCPTransporter, error) {
	peer, err := addrPort(conn.RemoteAddr())
	if err != nil {
		return nil, err
	}
	return &TCPTransporter{
		conn: conn,
		peer: peer,
		br:   bufio.NewReaderSize(conn, 4096),
	}, nil
}

// Peer returns the remote address this transporter is connected to.
func (t *TCPTransporter) Peer() netip.AddrPort { return t.peer }

func (t *TCPTransporter) Send(_ netip.AddrPort, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(frame); err != nil {
		return errors.Wrapf(err, "stun: tcp send to %s", t.peer)
	}
	return nil
}

func (t *TCPTransporter) Recv() (netip.AddrPort, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(t.br, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = errors.Wrap(err, "stun: tcp stream cut mid-header")
		}
		return netip.AddrPort{}, nil, err
	}
	total, err := frameLength(hdr)
	if err != nil {
		// The stream is desynchronized; there is no way to resume framing.
		return netip.AddrPort{}, nil, errors.Wrapf(err, "stun: tcp framing from %s", t.peer)
	}
	if total > MaxMessageSize {
		return netip.AddrPort{}, nil, errors.Errorf("stun: tcp frame of %d bytes from %s exceeds limit", total, t.peer)
	}
	frame := make([]byte, total)
	copy(frame, hdr)
	if _, err := io.ReadFull(t.br, frame[headerSize:]); err != nil {
		return netip.AddrPort{}, nil, errors.Wrap(err, "stun: tcp stream cut mid-message")
	}
	return t.peer, frame, nil
}

func (t *TCPTransporter) Reliable() bool { return true }

func (t *TCPTransporter) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *TCPTransporter) Close() error { return t.conn.Close() }

func addrPort(a net.Addr) (netip.AddrPort, error) {
	switch a := a.(type) {
	case *net.TCPAddr:
		return a.AddrPort(), nil
	case *net.UDPAddr:
		return a.AddrPort(), nil
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, "stun: peer address %q", a)
	}
	return ap, nil
}
