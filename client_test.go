// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *Channel, *memTransporter, *memTransporter) {
	t.Helper()
	network := newMemNetwork()
	clientEP := network.endpoint(clientAddr.String(), false)
	serverEP := network.endpoint(serverAddr.String(), false)
	channel := NewChannel(clientEP, WithChannelConfig(fastConfig))
	return NewClient(channel), channel, clientEP, serverEP
}

func TestClientConcurrentCallsResolveIndependently(t *testing.T) {
	client, _, _, serverEP := newTestClient(t)
	defer client.Close()
	echoResponder(t, serverEP)

	const calls = 32
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := NewRequest(MethodBinding)
			resp, err := client.Call(context.Background(), serverAddr, req)
			if assert.NoError(t, err) {
				// No cross-talk: the response matches this exact request.
				assert.Equal(t, req.TransactionID, resp.TransactionID)
			}
		}()
	}
	wg.Wait()
}

func TestClientAbandonedCallDoesNotDisturbSiblings(t *testing.T) {
	client, _, _, serverEP := newTestClient(t)
	defer client.Close()

	// Answer everything except the first request seen.
	var abandonedID TransactionID
	var once sync.Once
	go func() {
		for {
			peer, frame, err := serverEP.Recv()
			if err != nil {
				return
			}
			msg, err := UnmarshalMessage(frame)
			if err != nil || msg.Class != ClassRequest {
				continue
			}
			skip := false
			once.Do(func() { abandonedID = msg.TransactionID; skip = true })
			if skip || msg.TransactionID == abandonedID {
				continue
			}
			resp, _ := NewSuccessResponse(msg).Marshal()
			serverEP.Send(peer, resp)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := client.Call(ctx, serverAddr, NewRequest(MethodBinding))
		abandoned <- err
	}()

	// Give the first call a moment to reach the wire, then abandon it.
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-abandoned, context.Canceled)

	resp, err := client.Call(context.Background(), serverAddr, NewRequest(MethodBinding))
	require.NoError(t, err)
	require.NotNil(t, resp)
}

func TestClientCloseRejectsNewCommands(t *testing.T) {
	client, _, _, _ := newTestClient(t)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close is idempotent")

	_, err := client.Call(context.Background(), serverAddr, NewRequest(MethodBinding))
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, client.Cast(serverAddr, NewIndication(MethodBinding)), ErrClientClosed)
}

func TestClientDriverStopsPromptlyWhenIdle(t *testing.T) {
	client, _, clientEP, _ := newTestClient(t)

	require.NoError(t, client.Close())
	require.Eventually(t, clientEP.isClosed, time.Second, time.Millisecond,
		"idle driver releases the channel right after close")
}

func TestClientDriverDrainsOutstandingBeforeStopping(t *testing.T) {
	network := newMemNetwork()
	clientEP := network.endpoint(clientAddr.String(), false)
	serverEP := network.endpoint(serverAddr.String(), false)
	// Keep the retransmission timer far beyond the test's window so the
	// held-back call stays genuinely outstanding at every assertion.
	cfg := fastConfig
	cfg.RTO = time.Second
	client := NewClient(NewChannel(clientEP, WithChannelConfig(cfg)))

	// Hold the response back until released.
	release := make(chan struct{})
	go func() {
		peer, frame, err := serverEP.Recv()
		if err != nil {
			return
		}
		msg, _ := UnmarshalMessage(frame)
		<-release
		resp, _ := NewSuccessResponse(msg).Marshal()
		serverEP.Send(peer, resp)
	}()

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), serverAddr, NewRequest(MethodBinding))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())

	// The driver must keep the channel open for the in-flight call.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, clientEP.isClosed(), "channel stays open while a call is outstanding")

	close(release)
	require.NoError(t, <-done)
	require.Eventually(t, clientEP.isClosed, time.Second, time.Millisecond,
		"channel closes once the last transaction resolves")
}

func TestClientKeepsDrainingInboundWhileStopping(t *testing.T) {
	network := newMemNetwork()
	clientEP := network.endpoint(clientAddr.String(), false)
	serverEP := network.endpoint(serverAddr.String(), false)
	cfg := fastConfig
	cfg.RTO = time.Second
	client := NewClient(NewChannel(clientEP, WithChannelConfig(cfg)))

	out := make(chan CallOutcome, 1)
	go func() {
		resp, err := client.Call(context.Background(), serverAddr, NewRequest(MethodBinding))
		out <- CallOutcome{Response: resp, Err: err}
	}()

	peer, frame, err := serverEP.Recv()
	require.NoError(t, err)
	req, err := UnmarshalMessage(frame)
	require.NoError(t, err)

	require.NoError(t, client.Close())

	// Flood the client with more indications than its inbound buffer
	// holds. A stopping driver must keep discarding them, or the read
	// loop wedges and the response below can never be matched.
	indFrame, err := NewIndication(MethodBinding).Marshal()
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		require.NoError(t, serverEP.Send(clientAddr, indFrame))
	}

	respFrame, err := NewSuccessResponse(req).Marshal()
	require.NoError(t, err)
	require.NoError(t, serverEP.Send(peer, respFrame))

	res := <-out
	require.NoError(t, res.Err)
	assert.Equal(t, req.TransactionID, res.Response.TransactionID)
	require.Eventually(t, clientEP.isClosed, time.Second, time.Millisecond,
		"channel closes once the drained call resolves")
}

func TestClientFailsFastAfterChannelFailure(t *testing.T) {
	client, channel, clientEP, _ := newTestClient(t)
	defer client.Close()

	boom := errors.New("cable cut")
	clientEP.fail(boom)
	require.Eventually(t, func() bool { return channel.Err() != nil },
		time.Second, time.Millisecond)

	// New calls resolve immediately with the stored error; the
	// transport is not touched again.
	start := time.Now()
	_, err := client.Call(context.Background(), serverAddr, NewRequest(MethodBinding))
	require.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), fastConfig.TI)

	// Casts after failure are silently dropped, never a panic or block.
	assert.NoError(t, client.Cast(serverAddr, NewIndication(MethodBinding)))
}

func TestClientCastReachesPeer(t *testing.T) {
	client, _, _, serverEP := newTestClient(t)
	defer client.Close()

	ind := NewIndication(MethodBinding)
	require.NoError(t, client.Cast(serverAddr, ind))

	peer, frame, err := serverEP.Recv()
	require.NoError(t, err)
	assert.Equal(t, clientAddr, peer)
	got, err := UnmarshalMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, ind.TransactionID, got.TransactionID)
	assert.Equal(t, ClassIndication, got.Class)
}

func TestClientDiscardsInboundRequests(t *testing.T) {
	client, _, _, serverEP := newTestClient(t)
	defer client.Close()
	echoResponder(t, serverEP)

	// A server-initiated request must be swallowed by the driver and
	// must not break subsequent calls.
	frame, err := NewRequest(MethodBinding).Marshal()
	require.NoError(t, err)
	require.NoError(t, serverEP.Send(clientAddr, frame))

	resp, err := client.Call(context.Background(), serverAddr, NewRequest(MethodBinding))
	require.NoError(t, err)
	require.NotNil(t, resp)
}
