package exchange

import (
	"errors"
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// Sender writes datagrams. *transport.Manager implements it.
type Sender interface {
	SendFrom(local transport.PeerAddress, data []byte, peer transport.PeerAddress) error
}

// Handler observes inbound traffic.
type Handler interface {
	// OnMessage is called for every successfully decoded message.
	OnMessage(mc *MessageContext)

	// OnError is called for datagrams whose header decoded but whose
	// options did not. mc.ProtocolError is ProtocolErrorOption.
	OnError(mc *MessageContext)
}

// Subscription identifies a registered Handler.
type Subscription uint64

type subscriber struct {
	id      Subscription
	handler Handler
}

// MessagingConfig configures Messaging.
type MessagingConfig struct {
	// Sender writes outbound datagrams. Required.
	Sender Sender

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Messaging is the boundary between the datagram transport and the
// engines. It decodes inbound datagrams, fans them out to subscribers in
// registration order, and encodes outbound messages.
//
// Messaging does not own the transport and never closes it.
type Messaging struct {
	sender Sender
	log    logging.LeveledLogger

	mu     sync.RWMutex
	subs   []subscriber
	nextID Subscription
}

// NewMessaging creates a Messaging instance.
func NewMessaging(config MessagingConfig) (*Messaging, error) {
	if config.Sender == nil {
		return nil, errors.New("exchange: messaging requires a sender")
	}
	m := &Messaging{sender: config.Sender}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("coap-messaging")
	}
	return m, nil
}

// Subscribe registers h. Handlers are invoked in registration order.
func (m *Messaging) Subscribe(h Handler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.subs = append(m.subs, subscriber{id: m.nextID, handler: h})
	return m.nextID
}

// Unsubscribe removes a handler. Unknown subscriptions are ignored.
func (m *Messaging) Unsubscribe(id Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.subs {
		if s.id == id {
			subs := make([]subscriber, 0, len(m.subs)-1)
			subs = append(subs, m.subs[:i]...)
			m.subs = append(subs, m.subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of registered handlers.
func (m *Messaging) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// HandleDatagram is the transport.MessageHandler for this Messaging.
func (m *Messaging) HandleDatagram(rm *transport.ReceivedMessage) {
	msg, err := message.Unmarshal(rm.Data)

	mc := &MessageContext{
		Source:      rm.PeerAddr,
		Destination: rm.LocalAddr,
	}

	if err != nil {
		oe, ok := message.IsOptionError(err)
		if !ok {
			if m.log != nil {
				m.log.Debugf("dropping undecodable datagram from %s: %v", rm.PeerAddr, err)
			}
			return
		}
		mc.Message = oe.Header.Message()
		mc.ProtocolError = ProtocolErrorOption
		mc.Err = err
		if m.log != nil {
			m.log.Debugf("option error in %v from %s: %v", mc.Message, rm.PeerAddr, oe.Err)
		}
		for _, s := range m.snapshot() {
			s.handler.OnError(mc)
		}
		return
	}

	mc.Message = msg
	if m.log != nil {
		m.log.Tracef("received %v from %s", msg, rm.PeerAddr)
	}
	for _, s := range m.snapshot() {
		s.handler.OnMessage(mc)
	}
}

func (m *Messaging) snapshot() []subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]subscriber(nil), m.subs...)
}

// Send encodes mc.Message and writes it from mc.Source to mc.Destination.
func (m *Messaging) Send(mc *MessageContext) error {
	if mc.Message == nil {
		return ErrNoMessage
	}
	data, err := mc.Message.Marshal()
	if err != nil {
		return err
	}
	if m.log != nil {
		m.log.Tracef("sending %v to %s", mc.Message, mc.Destination)
	}
	return m.sender.SendFrom(mc.Source, data, mc.Destination)
}
