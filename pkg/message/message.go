package message

import (
	"bytes"
	"encoding/hex"
	"fmt"

	gocoap "github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Message is a decoded CoAP message.
//
// A Message is treated as immutable once built: the With* helpers return
// modified copies and the exchange layer never mutates a message it has
// sent or received. Matching identity is the MessageID for
// acknowledgements and resets, and the Token for responses.
type Message struct {
	MessageID uint16
	Token     []byte
	Type      Type
	Code      codes.Code
	Options   gocoap.Options
	Payload   []byte
}

// NewRequest creates a request with the given type, method and path.
// MessageID and Token are left zero; the client assigns them.
func NewRequest(typ Type, method codes.Code, path string) *Message {
	m := &Message{
		Type: typ,
		Code: method,
	}
	return m.WithPath(path)
}

// NewEmptyAck creates an empty acknowledgement for the given message ID.
func NewEmptyAck(messageID uint16) *Message {
	return &Message{
		MessageID: messageID,
		Type:      Acknowledgement,
		Code:      codes.Empty,
	}
}

// NewReset creates a Reset for the given message ID.
func NewReset(messageID uint16) *Message {
	return &Message{
		MessageID: messageID,
		Type:      Reset,
		Code:      codes.Empty,
	}
}

// NewPiggyBackedResponse creates a response carried in the ACK of req.
// The response echoes the request's message ID and token (Section 5.2.1).
func NewPiggyBackedResponse(req *Message, code codes.Code, payload []byte) *Message {
	return &Message{
		MessageID: req.MessageID,
		Token:     cloneBytes(req.Token),
		Type:      Acknowledgement,
		Code:      code,
		Payload:   cloneBytes(payload),
	}
}

// NewSeparateResponse creates a response sent independently of any ACK.
// It echoes the request token but carries its own message ID (Section 5.2.2).
func NewSeparateResponse(req *Message, typ Type, messageID uint16, code codes.Code, payload []byte) *Message {
	return &Message{
		MessageID: messageID,
		Token:     cloneBytes(req.Token),
		Type:      typ,
		Code:      code,
		Payload:   cloneBytes(payload),
	}
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Token = cloneBytes(m.Token)
	c.Payload = cloneBytes(m.Payload)
	if m.Options != nil {
		c.Options = make(gocoap.Options, len(m.Options))
		for i, o := range m.Options {
			c.Options[i] = gocoap.Option{ID: o.ID, Value: cloneBytes(o.Value)}
		}
	}
	return &c
}

// IsAck returns true for Acknowledgement messages.
func (m *Message) IsAck() bool {
	return m.Type == Acknowledgement
}

// IsReset returns true for Reset messages.
func (m *Message) IsReset() bool {
	return m.Type == Reset
}

// IsConfirmable returns true for Confirmable messages.
func (m *Message) IsConfirmable() bool {
	return m.Type == Confirmable
}

// IsNonConfirmable returns true for Non-confirmable messages.
func (m *Message) IsNonConfirmable() bool {
	return m.Type == NonConfirmable
}

// IsEmpty returns true for messages with code 0.00.
func (m *Message) IsEmpty() bool {
	return m.Code == codes.Empty
}

// IsRequest returns true if the code is a method code (class 0, detail > 0).
func (m *Message) IsRequest() bool {
	return m.Code != codes.Empty && m.Code < 32
}

// IsResponse returns true if the code is a response code (class 2 to 5).
func (m *Message) IsResponse() bool {
	class := uint16(m.Code) >> 5
	return class >= 2 && class <= 5
}

// IsPiggyBackedResponse returns true for a response carried in an ACK.
func (m *Message) IsPiggyBackedResponse() bool {
	return m.IsAck() && m.IsResponse()
}

// IsDelayedResponse returns true for a separate response: a CON or NON
// message carrying a response code.
func (m *Message) IsDelayedResponse() bool {
	return (m.IsConfirmable() || m.IsNonConfirmable()) && m.IsResponse()
}

// TokenEqual compares the message token with t.
func (m *Message) TokenEqual(t []byte) bool {
	return bytes.Equal(m.Token, t)
}

// String returns a compact representation for logs.
func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("%s %v mid=%d", TypeName(m.Type), m.Code, m.MessageID)
	if len(m.Token) > 0 {
		s += " token=" + hex.EncodeToString(m.Token)
	}
	if p := m.Path(); p != "" {
		s += " path=" + p
	}
	if len(m.Payload) > 0 {
		s += fmt.Sprintf(" payload=%dB", len(m.Payload))
	}
	return s
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
