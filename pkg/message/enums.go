// Package message implements the CoAP message model used by the exchange layer.
// This package wraps the wire format defined in RFC 7252 Section 3.
//
// The package provides:
//   - An immutable Message value with the classification predicates the
//     reliability layer needs (ACK, Reset, piggy-backed, separate response)
//   - Accessors for the options the engine interprets (ETag, Max-Age,
//     Uri-Path, Uri-Query)
//   - Encoding/decoding via the go-coap UDP coder, with header recovery for
//     messages whose option region is malformed
package message

import (
	gocoap "github.com/plgd-dev/go-coap/v3/message"
)

// Type is the 2-bit CoAP message type (RFC 7252 Section 3).
type Type = gocoap.Type

// Message types.
const (
	// Confirmable messages require an acknowledgement.
	Confirmable = gocoap.Confirmable

	// NonConfirmable messages do not require an acknowledgement.
	NonConfirmable = gocoap.NonConfirmable

	// Acknowledgement acknowledges a Confirmable message, optionally
	// carrying a piggy-backed response.
	Acknowledgement = gocoap.Acknowledgement

	// Reset indicates a message was received but could not be processed.
	Reset = gocoap.Reset
)

// TypeName returns the short RFC mnemonic for a message type.
func TypeName(t Type) string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "???"
	}
}

// Protocol constants from RFC 7252.
const (
	// Version is the only defined CoAP version (Section 3).
	Version uint8 = 1

	// HeaderSize is the size of the fixed message header in bytes.
	HeaderSize = 4

	// MaxTokenSize is the maximum token length (Section 5.3.1).
	MaxTokenSize = 8

	// MaxUDPMessageSize bounds datagrams read from the network.
	// Section 4.6 recommends 1152 bytes of message; 1280 leaves room for
	// the IPv6 minimum MTU.
	MaxUDPMessageSize = 1280

	// DefaultMaxAge is the freshness lifetime assumed when a response
	// carries no Max-Age option (Section 5.10.5), in seconds.
	DefaultMaxAge uint32 = 60
)
