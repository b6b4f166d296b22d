package message

import (
	"errors"
	"fmt"

	gocoap "github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// Marshal encodes the message in the RFC 7252 UDP wire format.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Token) > MaxTokenSize {
		return nil, ErrInvalidToken
	}

	wire := gocoap.Message{
		Token:     m.Token,
		Options:   m.Options,
		Code:      m.Code,
		Payload:   m.Payload,
		MessageID: int32(m.MessageID),
		Type:      m.Type,
	}

	size, err := coder.DefaultCoder.Size(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	if size > MaxUDPMessageSize {
		return nil, ErrMessageTooLong
	}

	buf := make([]byte, size)
	n, err := coder.DefaultCoder.Encode(wire, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return buf[:n], nil
}

// Unmarshal decodes a datagram.
//
// If the fixed header is valid but the remainder is not, the returned error
// is an *OptionError carrying the recovered header. Any other error means
// the datagram is not a CoAP message and must be silently ignored.
func Unmarshal(data []byte) (*Message, error) {
	hdr, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	// The decoder slices into its input; keep the message independent of
	// the transport's read buffer.
	data = cloneBytes(data)

	wire, err := decodeOptions(data)
	if err != nil {
		return nil, &OptionError{Header: hdr, Err: err}
	}

	return &Message{
		MessageID: hdr.MessageID,
		Token:     hdr.Token,
		Type:      hdr.Type,
		Code:      wire.Code,
		Options:   wire.Options,
		Payload:   wire.Payload,
	}, nil
}

// initialOptions is the option capacity tried first when decoding.
const initialOptions = 16

// decodeOptions runs the go-coap decoder, growing the option buffer until
// it fits. The decoder only fills existing capacity and reports
// ErrOptionsTooSmall otherwise. Every option takes at least one byte, so
// len(data) options always suffice.
func decodeOptions(data []byte) (gocoap.Message, error) {
	size := initialOptions
	for {
		wire := gocoap.Message{Options: make(gocoap.Options, 0, size)}
		_, err := coder.DefaultCoder.Decode(data, &wire)
		if errors.Is(err, gocoap.ErrOptionsTooSmall) && size < len(data) {
			size *= 2
			continue
		}
		return wire, err
	}
}
