// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"context"
	"net/netip"
)

// Never is the reply type of indication handlers. Indications cannot
// carry a response, so an Action[Never] may only be NoReply or
// FutureNoReply; the driver rejects anything else as a contract
// violation.
type Never struct{}

// Action describes how a handler responds to one inbound message:
// immediately, later from another goroutine, or not at all. The zero
// value is NoReply.
type Action[T any] struct {
	kind   actionKind
	reply  T
	future func(context.Context) T
	task   func(context.Context)
}

type actionKind uint8

const (
	actionNoReply actionKind = iota
	actionReply
	actionFutureReply
	actionFutureNoReply
)

// Reply answers the message synchronously.
func Reply[T any](v T) Action[T] {
	return Action[T]{kind: actionReply, reply: v}
}

// FutureReply answers the message with the value produced by f, which
// runs in its own goroutine and must not fail. The reply is forwarded
// whenever f completes; completion order across messages is arbitrary.
func FutureReply[T any](f func(context.Context) T) Action[T] {
	return Action[T]{kind: actionFutureReply, future: f}
}

// NoReply leaves the message unanswered.
func NoReply[T any]() Action[T] {
	return Action[T]{kind: actionNoReply}
}

// FutureNoReply runs f in its own goroutine and leaves the message
// unanswered. f must not fail.
func FutureNoReply[T any](f func(context.Context)) Action[T] {
	return Action[T]{kind: actionFutureNoReply, task: f}
}

// Handler is the application-side capability set a server dispatches
// inbound messages to. Handlers are driven by exactly one goroutine at
// a time and need not be safe for concurrent use. Embed DefaultHandler
// to implement only the methods you care about.
type Handler interface {
	// HandleCall processes a request. Any action kind is valid;
	// Reply and FutureReply send a response-class message built with
	// NewSuccessResponse or NewErrorResponse.
	HandleCall(peer netip.AddrPort, req *Message) Action[*Message]

	// HandleCast processes an indication. Only NoReply and
	// FutureNoReply are valid; anything else terminates the driver
	// with ErrContractViolation.
	HandleCast(peer netip.AddrPort, ind *Message) Action[Never]

	// HandleInvalid processes a malformed-but-identifiable message,
	// letting the application answer garbage with an error response
	// or ignore it. Same contract as HandleCall.
	HandleInvalid(peer netip.AddrPort, msg *InvalidMessage) Action[*Message]

	// HandleTransportError is notified, best effort, before a fatal
	// transport error terminates the handler's driver.
	HandleTransportError(err error)
}

// DefaultHandler implements every Handler method with its safe
// default: no reply, errors ignored.
type DefaultHandler struct{}

func (DefaultHandler) HandleCall(netip.AddrPort, *Message) Action[*Message] {
	return NoReply[*Message]()
}

func (DefaultHandler) HandleCast(netip.AddrPort, *Message) Action[Never] {
	return NoReply[Never]()
}

func (DefaultHandler) HandleInvalid(netip.AddrPort, *InvalidMessage) Action[*Message] {
	return NoReply[*Message]()
}

func (DefaultHandler) HandleTransportError(error) {}

// HandlerFactory produces one fresh Handler per accepted TCP
// connection, so handlers never need to be safe across connections.
type HandlerFactory interface {
	NewHandler() Handler
}

// HandlerFactoryFunc adapts a function to HandlerFactory.
type HandlerFactoryFunc func() Handler

func (f HandlerFactoryFunc) NewHandler() Handler { return f() }
