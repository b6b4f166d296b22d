package exchange

import (
	"fmt"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// MessageContext wraps a message in flight with its routing and
// correlation state.
//
// For inbound messages Source is the remote peer and Destination the
// local endpoint the datagram arrived on. For outbound messages Source is
// the local endpoint to send from and Destination the peer.
type MessageContext struct {
	// Message is the decoded message. For option errors it holds only the
	// recovered header fields.
	Message *message.Message

	Source      transport.PeerAddress
	Destination transport.PeerAddress

	// ProtocolError is set when the message could not be processed normally.
	ProtocolError ProtocolError

	// Err is the decode error behind ProtocolErrorOption.
	Err error

	// ResponseAwaitingAck is set on a confirmable response that awaits its
	// own acknowledgement, and on the ACK a client sends for such a
	// response. It changes the effective message ID used for ACK matching.
	ResponseAwaitingAck *message.Message

	// Route is assigned by the admission classifier.
	Route Route

	// ResponseCode records a protocol outcome: 5.04 after retransmissions
	// are exhausted, 5.02 for a rejected response, 5.05 for a misrouted
	// request.
	ResponseCode codes.Code

	// Request links an outbound response to the inbound request it answers.
	Request *MessageContext
}

// RequestKey identifies a request for duplicate detection: the pair
// (source endpoint, message ID).
type RequestKey struct {
	Source    string
	MessageID uint16
}

// String returns the key in a form usable as a cache key.
func (k RequestKey) String() string {
	return fmt.Sprintf("%s#%d", k.Source, k.MessageID)
}

// AckKey identifies the acknowledgement of a confirmable message: the pair
// (acknowledging endpoint, effective message ID).
type AckKey struct {
	Source    string
	MessageID uint16
}

// String returns a human-readable representation of the key.
func (k AckKey) String() string {
	return fmt.Sprintf("%s#%d", k.Source, k.MessageID)
}

// NewMessageContext creates a context for an outbound message.
func NewMessageContext(msg *message.Message, source, destination transport.PeerAddress) *MessageContext {
	return &MessageContext{
		Message:     msg,
		Source:      source,
		Destination: destination,
	}
}

// EffectiveMessageID returns ResponseAwaitingAck's message ID if set,
// otherwise the message's own ID.
func (mc *MessageContext) EffectiveMessageID() uint16 {
	if mc.ResponseAwaitingAck != nil {
		return mc.ResponseAwaitingAck.MessageID
	}
	return mc.Message.MessageID
}

// RequestKey returns the duplicate-detection key of an inbound request.
func (mc *MessageContext) RequestKey() RequestKey {
	return RequestKey{Source: mc.Source.Key(), MessageID: mc.Message.MessageID}
}

// AckKey returns the ACK-matching key of an inbound ACK or Reset.
func (mc *MessageContext) AckKey() AckKey {
	return AckKey{Source: mc.Source.Key(), MessageID: mc.EffectiveMessageID()}
}

// AwaitedAckKey returns the key under which the acknowledgement of this
// outbound confirmable message will arrive: it comes from Destination.
func (mc *MessageContext) AwaitedAckKey() AckKey {
	return AckKey{Source: mc.Destination.Key(), MessageID: mc.EffectiveMessageID()}
}

// RequestEqual reports whether both contexts carry the same request.
func (mc *MessageContext) RequestEqual(o *MessageContext) bool {
	return mc.RequestKey() == o.RequestKey()
}

// AckEqual reports whether both contexts acknowledge the same message.
func (mc *MessageContext) AckEqual(o *MessageContext) bool {
	return mc.AckKey() == o.AckKey()
}

// Reply creates an outbound context answering mc: source and destination
// are swapped and the route is kept.
func (mc *MessageContext) Reply(msg *message.Message) *MessageContext {
	return &MessageContext{
		Message:     msg,
		Source:      mc.Destination,
		Destination: mc.Source,
		Route:       mc.Route,
		Request:     mc,
	}
}

// correlatedRequestKey returns the key of the inbound request an outbound
// message answers. Piggy-backed responses, empty ACKs and Resets share the
// request's message ID; separate responses must carry Request.
func (mc *MessageContext) correlatedRequestKey() (RequestKey, bool) {
	if mc.Request != nil && mc.Request.Message != nil {
		return mc.Request.RequestKey(), true
	}
	if mc.Message.IsAck() || mc.Message.IsReset() {
		return RequestKey{Source: mc.Destination.Key(), MessageID: mc.Message.MessageID}, true
	}
	return RequestKey{}, false
}

// String returns a compact representation for logs.
func (mc *MessageContext) String() string {
	return fmt.Sprintf("%v %s->%s route=%s", mc.Message, mc.Source, mc.Destination, mc.Route)
}
