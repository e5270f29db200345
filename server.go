// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ServerStatus is a listening server's lifecycle state. Transitions
// only move forward: Binding → Running/Listening → Closed.
type ServerStatus int32

const (
	// StatusBinding is the initial state; the socket bind has not
	// completed yet.
	StatusBinding ServerStatus = iota
	// StatusRunning is a bound UDP server driving its single channel.
	StatusRunning
	// StatusListening is a bound TCP server accepting connections.
	StatusListening
	// StatusClosed is terminal.
	StatusClosed
)

func (s ServerStatus) String() string {
	switch s {
	case StatusBinding:
		return "binding"
	case StatusRunning:
		return "running"
	case StatusListening:
		return "listening"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ServerOption configures a UDPServer or TCPServer.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger     *zap.Logger
	channelCfg ChannelConfig
}

// WithServerLogger sets the server's logger. The default discards logs.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// WithServerChannelConfig overrides transaction timing for the
// channels the server creates.
func WithServerChannelConfig(cfg ChannelConfig) ServerOption {
	return func(o *serverOptions) { o.channelCfg = cfg }
}

func newServerOptions(opts []ServerOption) *serverOptions {
	o := &serverOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UDPServer serves STUN over a single UDP socket shared by all peers.
// One channel and one handler driver live for the whole lifetime of
// the server; per-peer and per-transaction isolation happens inside
// the channel, so one peer's retransmissions never serialize another
// peer's replies.
type UDPServer struct {
	addr    string
	handler Handler
	opts    *serverOptions

	status atomic.Int32

	mu      sync.Mutex
	channel *Channel
}

// NewUDPServer configures a UDP server; Listen or Serve binds it.
func NewUDPServer(addr string, handler Handler, opts ...ServerOption) *UDPServer {
	return &UDPServer{
		addr:    addr,
		handler: handler,
		opts:    newServerOptions(opts),
	}
}

// Status returns the server's lifecycle state.
func (s *UDPServer) Status() ServerStatus { return ServerStatus(s.status.Load()) }

// Listen binds the socket and builds the server's channel. It is a
// no-op if the server is already bound.
func (s *UDPServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status() == StatusClosed {
		return ErrServerClosed
	}
	if s.channel != nil {
		return nil
	}
	transporter, err := ListenUDP(s.addr)
	if err != nil {
		return err
	}
	s.channel = NewChannel(transporter,
		WithChannelConfig(s.opts.channelCfg),
		WithChannelLogger(s.opts.logger))
	s.status.Store(int32(StatusRunning))
	s.opts.logger.Info("udp server bound",
		zap.Stringer("addr", transporter.LocalAddr()))
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (s *UDPServer) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return nil
	}
	return s.channel.LocalAddr()
}

// Serve binds if necessary and runs the handler driver until ctx is
// cancelled or the socket fails. A UDP listener is expected to run
// indefinitely, so the inbound stream ending (even cleanly) is
// reported as ErrServerTerminated.
func (s *UDPServer) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()

	driver := newHandlerDriver(channel, s.handler, s.opts.logger)
	err := driver.run(ctx)
	s.status.Store(int32(StatusClosed))
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return errors.Wrap(err, "udp server")
	default:
		// The socket must not close itself underneath a listener.
		return errors.Wrap(ErrServerTerminated, "udp inbound stream ended")
	}
}

// Close releases the socket. Serve returns shortly afterwards.
func (s *UDPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Store(int32(StatusClosed))
	if s.channel == nil {
		return nil
	}
	return s.channel.Close()
}

// TCPServer serves STUN over TCP, one channel, one handler instance,
// and one driver goroutine per accepted connection. Connections are
// fully isolated: a failing connection never disturbs its siblings or
// the accept loop.
type TCPServer struct {
	addr    string
	factory HandlerFactory
	opts    *serverOptions

	status atomic.Int32
	closed atomic.Bool

	mu       sync.Mutex
	listener net.Listener
}

// NewTCPServer configures a TCP server; Listen or Serve binds it.
func NewTCPServer(addr string, factory HandlerFactory, opts ...ServerOption) *TCPServer {
	return &TCPServer{
		addr:    addr,
		factory: factory,
		opts:    newServerOptions(opts),
	}
}

// Status returns the server's lifecycle state.
func (s *TCPServer) Status() ServerStatus { return ServerStatus(s.status.Load()) }

// Listen binds the listening socket. It is a no-op if already bound.
func (s *TCPServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, "stun: bind tcp listener")
	}
	s.listener = ln
	s.status.Store(int32(StatusListening))
	s.opts.logger.Info("tcp server listening", zap.Stringer("addr", ln.Addr()))
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (s *TCPServer) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve binds if necessary and accepts connections until ctx is
// cancelled or the listener fails. Each accepted connection gets a
// fresh handler from the factory and an independent driver goroutine;
// the accept loop never blocks on any connection's lifetime.
func (s *TCPServer) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	// Release the accept loop when ctx ends.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.status.Store(int32(StatusClosed))
				return ctx.Err()
			case s.closed.Load():
				s.status.Store(int32(StatusClosed))
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Connection-establishment failure: tell a fresh
				// handler, abandon the attempt, keep listening.
				s.factory.NewHandler().HandleTransportError(err)
				continue
			}
			// A listening socket must not close itself.
			s.status.Store(int32(StatusClosed))
			return errors.Wrapf(ErrServerTerminated, "tcp accept: %s", err)
		}
		s.serveConn(ctx, conn)
	}
}

func (s *TCPServer) serveConn(ctx context.Context, conn net.Conn) {
	handler := s.factory.NewHandler()
	transporter, err := NewTCPTransporter(conn)
	if err != nil {
		handler.HandleTransportError(err)
		conn.Close()
		return
	}
	channel := NewChannel(transporter,
		WithChannelConfig(s.opts.channelCfg),
		WithChannelLogger(s.opts.logger))
	driver := newHandlerDriver(channel, handler, s.opts.logger)
	s.opts.logger.Debug("accepted connection",
		zap.Stringer("peer", conn.RemoteAddr()))
	go func() {
		if err := driver.run(ctx); err != nil && ctx.Err() == nil {
			s.opts.logger.Debug("connection driver ended",
				zap.Stringer("peer", conn.RemoteAddr()), zap.Error(err))
		}
	}()
}

// Close stops the accept loop; Serve returns nil shortly afterwards.
// Connections already accepted keep running until their own context
// or transport ends.
func (s *TCPServer) Close() error {
	s.closed.Store(true)
	s.status.Store(int32(StatusClosed))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
