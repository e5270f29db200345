// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTypePacking(t *testing.T) {
	// Binding request is the canonical 0x0001; binding success
	// response is 0x0101 (RFC 5389 §6 examples).
	assert.Equal(t, uint16(0x0001), messageType(ClassRequest, MethodBinding))
	assert.Equal(t, uint16(0x0101), messageType(ClassSuccessResponse, MethodBinding))
	assert.Equal(t, uint16(0x0111), messageType(ClassErrorResponse, MethodBinding))
	assert.Equal(t, uint16(0x0011), messageType(ClassIndication, MethodBinding))

	for _, class := range []Class{ClassRequest, ClassIndication, ClassSuccessResponse, ClassErrorResponse} {
		for _, method := range []Method{MethodBinding, 0x00a, 0x5ee, 0xfff} {
			gotClass, gotMethod := parseMessageType(messageType(class, method))
			require.Equal(t, class, gotClass)
			require.Equal(t, method, gotMethod)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	req := NewRequest(MethodBinding,
		Attribute{Type: 0x8022, Value: []byte("stund")}, // 5 bytes, exercises padding
		Attribute{Type: 0x0020, Value: []byte{0, 1, 2, 3, 4, 5, 6, 7}},
	)
	frame, err := req.Marshal()
	require.NoError(t, err)
	require.Equal(t, 0, len(frame)%4, "frames are 32-bit aligned")

	got, err := UnmarshalMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, req.Class, got.Class)
	assert.Equal(t, req.Method, got.Method)
	assert.Equal(t, req.TransactionID, got.TransactionID)
	require.Len(t, got.Attributes, 2)
	assert.Equal(t, []byte("stund"), got.Attributes[0].Value)

	software, ok := got.Get(0x8022)
	require.True(t, ok)
	assert.Equal(t, []byte("stund"), software.Value)
	_, ok = got.Get(0x9999)
	assert.False(t, ok)
}

func TestResponsesEchoTransactionID(t *testing.T) {
	req := NewRequest(MethodBinding)
	assert.Equal(t, req.TransactionID, NewSuccessResponse(req).TransactionID)
	assert.Equal(t, req.TransactionID, NewErrorResponse(req).TransactionID)
	assert.Equal(t, ClassSuccessResponse, NewSuccessResponse(req).Class)
	assert.Equal(t, ClassErrorResponse, NewErrorResponse(req).Class)
}

func TestUnmarshalUnidentifiableFrames(t *testing.T) {
	_, err := UnmarshalMessage([]byte{0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrNotSTUNMessage)

	frame, err := NewRequest(MethodBinding).Marshal()
	require.NoError(t, err)
	binary.BigEndian.PutUint32(frame[4:8], 0xdeadbeef)
	_, err = UnmarshalMessage(frame)
	assert.ErrorIs(t, err, ErrNotSTUNMessage)
}

func TestUnmarshalInvalidButIdentifiable(t *testing.T) {
	req := NewRequest(MethodBinding)
	frame, err := req.Marshal()
	require.NoError(t, err)

	// Claim more attribute bytes than the frame carries. The header
	// stays readable, so decode keeps class/method/transaction.
	binary.BigEndian.PutUint16(frame[2:4], 128)
	got, err := UnmarshalMessage(frame)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotSTUNMessage))
	require.NotNil(t, got)
	assert.Equal(t, ClassRequest, got.Class)
	assert.Equal(t, req.TransactionID, got.TransactionID)
}

func TestFrameLength(t *testing.T) {
	msg := NewIndication(MethodBinding, Attribute{Type: 1, Value: []byte{1, 2, 3, 4}})
	frame, err := msg.Marshal()
	require.NoError(t, err)
	n, err := frameLength(frame[:headerSize])
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
}
