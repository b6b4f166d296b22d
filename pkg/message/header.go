package message

import (
	"encoding/binary"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Header is the fixed part of a CoAP message plus its token.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Ver| T |  TKL  |      Code     |          Message ID           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Token (if any, TKL bytes) ...
//
// See RFC 7252 Section 3.
type Header struct {
	Type      Type
	Code      codes.Code
	MessageID uint16
	Token     []byte
}

// DecodeHeader parses only the fixed header and token. It succeeds for
// messages whose option region is malformed, which is what the Reset path
// needs.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrMessageTooShort
	}

	ver := data[0] >> 6
	if ver != Version {
		return Header{}, ErrInvalidVersion
	}

	tkl := int(data[0] & 0x0f)
	if tkl > MaxTokenSize {
		return Header{}, ErrInvalidToken
	}
	if len(data) < HeaderSize+tkl {
		return Header{}, ErrMessageTooShort
	}

	h := Header{
		Type:      Type((data[0] >> 4) & 0x03),
		Code:      codes.Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}
	if tkl > 0 {
		h.Token = append([]byte(nil), data[HeaderSize:HeaderSize+tkl]...)
	}
	return h, nil
}

// Message returns a header-only message. Options and payload are absent.
func (h Header) Message() *Message {
	return &Message{
		MessageID: h.MessageID,
		Token:     h.Token,
		Type:      h.Type,
		Code:      h.Code,
	}
}
