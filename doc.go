// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stun implements the session layer of the STUN protocol
// (RFC 5389): transaction multiplexing, request/response matching,
// retransmission over unreliable transports, and client/server
// lifecycles over UDP and TCP. Attribute semantics stay out of scope;
// messages carry raw attributes for a codec layer above this package.
//
// # Usage
//
// Client usage:
//
//	client, err := stun.DialUDP()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	peer := netip.MustParseAddrPort("198.51.100.7:3478")
//	resp, err := client.Call(ctx, peer, stun.NewRequest(stun.MethodBinding))
//
//	// Fire-and-forget indication; no response, no delivery confirmation.
//	err = client.Cast(peer, stun.NewIndication(stun.MethodBinding))
//
// Server usage:
//
//	type binding struct{ stun.DefaultHandler }
//
//	func (binding) HandleCall(peer netip.AddrPort, req *stun.Message) stun.Action[*stun.Message] {
//	    return stun.Reply(stun.NewSuccessResponse(req))
//	}
//
//	server := stun.NewUDPServer(":3478", binding{})
//	log.Fatal(server.Serve(ctx))
//
// Handlers may defer a reply to another goroutine without blocking the
// dispatch loop:
//
//	func (h lookup) HandleCall(peer netip.AddrPort, req *stun.Message) stun.Action[*stun.Message] {
//	    return stun.FutureReply(func(ctx context.Context) *stun.Message {
//	        return stun.NewSuccessResponse(req, h.slowAttrs(ctx, req)...)
//	    })
//	}
//
// # Architecture
//
// The package separates concerns:
//
//   - message.go: wire model: classes, methods, transaction IDs, raw attributes
//   - transport.go: Transporter, the raw frame mover owned by a channel
//   - udp.go, tcp.go: datagram and stream transporters
//   - channel.go: Channel, transaction matching, retransmission, inbound stream
//   - client.go: Client facade and its command-queue driver
//   - handler.go: Handler capability set and the Action reply union
//   - driver.go: the per-channel handler dispatch loop
//   - server.go: UDPServer and TCPServer lifecycles
//   - dial.go: DialUDP and DialTCP client factories
//
// Every Channel is owned by exactly one driver goroutine; application
// code coordinates with drivers only through queues and single-use
// reply slots, so no handler or driver state needs locking.
//
// UDP servers run one channel for the socket's lifetime and isolate
// peers per transaction; TCP servers build a fresh handler, channel,
// and driver per accepted connection. Clients multiplex arbitrarily
// many concurrent calls over one socket, each resolving exactly once.
package stun
