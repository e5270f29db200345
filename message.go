// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stun

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// MagicCookie is the fixed value carried in the third header word of
// every STUN message (RFC 5389 §6). It distinguishes STUN packets from
// other protocols multiplexed on the same port.
const MagicCookie = 0x2112A442

const (
	headerSize     = 20
	attrHeaderSize = 4

	// MaxMessageSize bounds the frames this package will encode or
	// decode. STUN messages are small; anything larger is garbage.
	MaxMessageSize = 64 * 1024
)

// TransactionIDSize is the size of a STUN transaction ID (96 bits).
const TransactionIDSize = 12

// TransactionID uniquely identifies one request/response transaction.
type TransactionID [TransactionIDSize]byte

// NewTransactionID returns a cryptographically random transaction ID.
func NewTransactionID() TransactionID {
	var id TransactionID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("stun: transaction id: %v", err))
	}
	return id
}

func (id TransactionID) String() string { return hex.EncodeToString(id[:]) }

// Class is the 2-bit class of a STUN message type.
type Class uint8

const (
	ClassRequest         Class = 0x00
	ClassIndication      Class = 0x01
	ClassSuccessResponse Class = 0x02
	ClassErrorResponse   Class = 0x03
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return fmt.Sprintf("class(0x%x)", uint8(c))
	}
}

// IsResponse reports whether the class is a success or error response.
func (c Class) IsResponse() bool {
	return c == ClassSuccessResponse || c == ClassErrorResponse
}

// Method is the 12-bit STUN method.
type Method uint16

// MethodBinding is the only method defined by RFC 5389 itself.
const MethodBinding Method = 0x001

func (m Method) String() string {
	if m == MethodBinding {
		return "binding"
	}
	return fmt.Sprintf("method(0x%03x)", uint16(m))
}

// Attribute is a raw STUN attribute. Attribute semantics belong to the
// codec layer above this package; here values are opaque bytes.
type Attribute struct {
	Type  uint16
	Value []byte
}

// Message is a STUN message with its attributes left undecoded.
type Message struct {
	Class         Class
	Method        Method
	TransactionID TransactionID
	Attributes    []Attribute
}

// NewRequest returns a request message with a fresh transaction ID.
func NewRequest(method Method, attrs ...Attribute) *Message {
	return &Message{
		Class:         ClassRequest,
		Method:        method,
		TransactionID: NewTransactionID(),
		Attributes:    attrs,
	}
}

// NewIndication returns an indication message with a fresh transaction ID.
func NewIndication(method Method, attrs ...Attribute) *Message {
	return &Message{
		Class:         ClassIndication,
		Method:        method,
		TransactionID: NewTransactionID(),
		Attributes:    attrs,
	}
}

// NewSuccessResponse returns a success response echoing the request's
// method and transaction ID.
func NewSuccessResponse(req *Message, attrs ...Attribute) *Message {
	return &Message{
		Class:         ClassSuccessResponse,
		Method:        req.Method,
		TransactionID: req.TransactionID,
		Attributes:    attrs,
	}
}

// NewErrorResponse returns an error response echoing the request's
// method and transaction ID.
func NewErrorResponse(req *Message, attrs ...Attribute) *Message {
	return &Message{
		Class:         ClassErrorResponse,
		Method:        req.Method,
		TransactionID: req.TransactionID,
		Attributes:    attrs,
	}
}

// Get returns the first attribute of the given type, or false if the
// message carries none.
func (m *Message) Get(t uint16) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s (attrs=%d) [%s]", m.Method, m.Class, len(m.Attributes), m.TransactionID)
}

// STUN message type field layout (RFC 5389 figure 3):
//
//	 0                 1
//	 2  3  4 5 6 7 8 9 0 1 2 3 4 5
//	+--+--+-+-+-+-+-+-+-+-+-+-+-+-+
//	|M |M |M|M|M|C|M|M|M|C|M|M|M|M|
//	|11|10|9|8|7|1|6|5|4|0|3|2|1|0|
//	+--+--+-+-+-+-+-+-+-+-+-+-+-+-+
const (
	methodABits = 0x000f // M0-M3
	methodBBits = 0x0070 // M4-M6
	methodDBits = 0x0f80 // M7-M11

	methodBShift = 1
	methodDShift = 2

	classC0Bit   = 0x1
	classC1Bit   = 0x2
	classC0Shift = 4
	classC1Shift = 7
)

func messageType(class Class, method Method) uint16 {
	m := uint16(method)
	t := (m & methodABits) |
		((m & methodBBits) << methodBShift) |
		((m & methodDBits) << methodDShift)
	c := uint16(class)
	t |= (c & classC0Bit) << classC0Shift
	t |= (c & classC1Bit) << classC1Shift
	return t
}

func parseMessageType(t uint16) (Class, Method) {
	c0 := (t >> classC0Shift) & classC0Bit
	c1 := (t >> classC1Shift) & classC1Bit
	m := (t & methodABits) |
		((t >> methodBShift) & methodBBits) |
		((t >> methodDShift) & methodDBits)
	return Class(c0 | c1), Method(m)
}

// Marshal encodes the message into wire format.
func (m *Message) Marshal() ([]byte, error) {
	attrLen := 0
	for _, a := range m.Attributes {
		attrLen += attrHeaderSize + pad4(len(a.Value))
	}
	if headerSize+attrLen > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	buf := make([]byte, headerSize, headerSize+attrLen)
	binary.BigEndian.PutUint16(buf[0:2], messageType(m.Class, m.Method))
	binary.BigEndian.PutUint16(buf[2:4], uint16(attrLen))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:headerSize], m.TransactionID[:])

	for _, a := range m.Attributes {
		var hdr [attrHeaderSize]byte
		binary.BigEndian.PutUint16(hdr[0:2], a.Type)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(a.Value)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, a.Value...)
		// attribute values are padded to 32-bit boundaries
		for i := len(a.Value); i < pad4(len(a.Value)); i++ {
			buf = append(buf, 0)
		}
	}
	return buf, nil
}

// UnmarshalMessage decodes a wire-format frame.
//
// The returned error wraps ErrNotSTUNMessage when the frame cannot even
// be identified as STUN (too short, bad cookie); other decode errors
// mean the header was readable and the frame can be surfaced to a
// handler as an InvalidMessage.
func UnmarshalMessage(frame []byte) (*Message, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: %d byte frame", ErrNotSTUNMessage, len(frame))
	}
	if binary.BigEndian.Uint32(frame[4:8]) != MagicCookie {
		return nil, fmt.Errorf("%w: bad magic cookie", ErrNotSTUNMessage)
	}

	m := &Message{}
	m.Class, m.Method = parseMessageType(binary.BigEndian.Uint16(frame[0:2]))
	copy(m.TransactionID[:], frame[8:headerSize])

	length := int(binary.BigEndian.Uint16(frame[2:4]))
	if headerSize+length > len(frame) {
		return m, fmt.Errorf("stun: message length %d exceeds frame: %w", length, io.ErrUnexpectedEOF)
	}

	rest := frame[headerSize : headerSize+length]
	for len(rest) > 0 {
		if len(rest) < attrHeaderSize {
			return m, fmt.Errorf("stun: truncated attribute header: %w", io.ErrUnexpectedEOF)
		}
		t := binary.BigEndian.Uint16(rest[0:2])
		l := int(binary.BigEndian.Uint16(rest[2:4]))
		rest = rest[attrHeaderSize:]
		if len(rest) < pad4(l) {
			return m, fmt.Errorf("stun: truncated attribute value: %w", io.ErrUnexpectedEOF)
		}
		value := make([]byte, l)
		copy(value, rest[:l])
		m.Attributes = append(m.Attributes, Attribute{Type: t, Value: value})
		rest = rest[pad4(l):]
	}
	return m, nil
}

// frameLength reports the total wire length of the STUN frame whose
// header is at the start of buf. Used by stream transports for framing.
func frameLength(hdr []byte) (int, error) {
	if len(hdr) < headerSize {
		return 0, io.ErrUnexpectedEOF
	}
	if binary.BigEndian.Uint32(hdr[4:8]) != MagicCookie {
		return 0, ErrNotSTUNMessage
	}
	return headerSize + int(binary.BigEndian.Uint16(hdr[2:4])), nil
}

func pad4(n int) int { return (n + 3) &^ 3 }

// ErrNotSTUNMessage means the frame cannot be identified as a STUN
// message at all; such frames are dropped rather than dispatched.
var ErrNotSTUNMessage = errors.New("stun: not a stun message")

// ErrMessageTooLarge means the encoded message would exceed MaxMessageSize.
var ErrMessageTooLarge = errors.New("stun: message too large")
