// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import "errors"

var (
	// ErrClientClosed is returned by Client.Call and Client.Cast after
	// the client has been closed and its driver has gone away.
	ErrClientClosed = errors.New("stun: client closed")

	// ErrChannelClosed resolves transactions that were still in flight
	// when their channel shut down cleanly.
	ErrChannelClosed = errors.New("stun: channel closed")

	// ErrTransactionTimeout resolves a call whose retransmissions were
	// exhausted without a matching response.
	ErrTransactionTimeout = errors.New("stun: transaction timeout")

	// ErrContractViolation is a programming error in the application
	// layer: a handler returned a reply-bearing action for an
	// indication. It is fatal to the handler driver that detects it.
	ErrContractViolation = errors.New("stun: handler returned a reply for an indication")

	// ErrServerTerminated means a listening server's socket or accept
	// stream ended while the server was expected to run indefinitely.
	ErrServerTerminated = errors.New("stun: server unexpectedly terminated")

	// ErrServerClosed is returned when binding a server that has
	// already been closed.
	ErrServerClosed = errors.New("stun: server closed")
)
