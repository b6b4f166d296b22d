package exchange

import (
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// =============================================================================
// Exported Test Infrastructure for E2E Testing
// =============================================================================

// TestPair provides two Messaging instances joined by an in-memory link.
// Datagrams flow through the full stack:
// Messaging -> transport -> link -> transport -> Messaging -> subscribers
//
// Usage:
//
//	pair, _ := exchange.NewTestPair()
//	defer pair.Close()
//
//	engine, _ := exchange.NewMessageEngine(exchange.EngineConfig{
//	    Messaging: pair.Messaging(1),
//	    Factory:   exchange.NewTestProcessorFactory(),
//	})
//	client, _ := exchange.NewClientEngine(exchange.ClientConfig{
//	    Messaging: pair.Messaging(0),
//	    Local:     pair.Address(0),
//	    Remote:    pair.Address(1),
//	})
type TestPair struct {
	transportPair  *transport.LinkPair
	messaging      [2]*Messaging
	handlerWrapper [2]*messagingHandlerWrapper
}

// messagingHandlerWrapper routes transport datagrams to a Messaging that
// is created after the transport.
type messagingHandlerWrapper struct {
	mu        sync.RWMutex
	messaging *Messaging
}

func (w *messagingHandlerWrapper) Handle(msg *transport.ReceivedMessage) {
	w.mu.RLock()
	m := w.messaging
	w.mu.RUnlock()
	if m != nil {
		m.HandleDatagram(msg)
	}
}

// NewTestPair creates two Messaging instances joined by a link.
func NewTestPair() (*TestPair, error) {
	pair := &TestPair{}
	pair.handlerWrapper[0] = &messagingHandlerWrapper{}
	pair.handlerWrapper[1] = &messagingHandlerWrapper{}

	transportPair, err := transport.NewLinkPair([2]transport.MessageHandler{
		pair.handlerWrapper[0].Handle,
		pair.handlerWrapper[1].Handle,
	})
	if err != nil {
		return nil, err
	}
	pair.transportPair = transportPair

	for i := 0; i < 2; i++ {
		m, err := NewMessaging(MessagingConfig{Sender: transportPair.Manager(i)})
		if err != nil {
			transportPair.Close()
			return nil, err
		}
		pair.messaging[i] = m
		pair.handlerWrapper[i].mu.Lock()
		pair.handlerWrapper[i].messaging = m
		pair.handlerWrapper[i].mu.Unlock()
	}

	return pair, nil
}

// Messaging returns the Messaging at the given index (0 or 1).
func (p *TestPair) Messaging(idx int) *Messaging {
	return p.messaging[idx]
}

// Address returns the endpoint address of the given index. It is the
// local address of that side and the remote address for the other side.
func (p *TestPair) Address(idx int) transport.PeerAddress {
	return p.transportPair.Address(idx)
}

// Link returns the underlying link for loss and duplication.
func (p *TestPair) Link() *transport.Link {
	return p.transportPair.Link()
}

// Close stops the transports.
func (p *TestPair) Close() {
	if p.transportPair != nil {
		p.transportPair.Close()
	}
}

// TestProcessorFactory answers every request with a piggy-backed (or, for
// non-confirmable requests, NON) 2.05 Content echoing the request payload,
// and records how often each path ran.
type TestProcessorFactory struct {
	// Engine sends the responses. Set it before starting the engine.
	Engine interface {
		Send(mc *MessageContext) error
		NewMessageID() uint16
	}

	mu           sync.Mutex
	requests     int
	optionErrors int
	errors       int
	onRequest    func(mc *MessageContext)
}

// NewTestProcessorFactory creates a TestProcessorFactory.
func NewTestProcessorFactory() *TestProcessorFactory {
	return &TestProcessorFactory{}
}

// OnRequest installs a hook that runs before a request is answered.
func (f *TestProcessorFactory) OnRequest(fn func(mc *MessageContext)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRequest = fn
}

// Requests returns the number of request processors that ran.
func (f *TestProcessorFactory) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// OptionErrors returns the number of option-error processors that ran.
func (f *TestProcessorFactory) OptionErrors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.optionErrors
}

// Errors returns the number of generic error processors that ran.
func (f *TestProcessorFactory) Errors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errors
}

// NewRequestProcessor implements ProcessorFactory.
func (f *TestProcessorFactory) NewRequestProcessor(mc *MessageContext) Processor {
	return ProcessorFunc(func(mc *MessageContext) {
		f.mu.Lock()
		f.requests++
		hook := f.onRequest
		f.mu.Unlock()
		if hook != nil {
			hook(mc)
		}
		f.respond(mc, codes.Content, mc.Message.Payload)
	})
}

// NewOptionErrorProcessor implements ProcessorFactory.
func (f *TestProcessorFactory) NewOptionErrorProcessor(mc *MessageContext) Processor {
	return ProcessorFunc(func(mc *MessageContext) {
		f.mu.Lock()
		f.optionErrors++
		f.mu.Unlock()
		if mc.Message.IsConfirmable() && f.Engine != nil {
			f.Engine.Send(mc.Reply(message.NewReset(mc.Message.MessageID)))
		}
	})
}

// NewErrorProcessor implements ProcessorFactory.
func (f *TestProcessorFactory) NewErrorProcessor(mc *MessageContext) Processor {
	return ProcessorFunc(func(mc *MessageContext) {
		f.mu.Lock()
		f.errors++
		f.mu.Unlock()
		f.respond(mc, mc.ResponseCode, nil)
	})
}

func (f *TestProcessorFactory) respond(mc *MessageContext, code codes.Code, payload []byte) {
	if f.Engine == nil {
		return
	}
	req := mc.Message
	if req.IsConfirmable() {
		f.Engine.Send(mc.Reply(message.NewPiggyBackedResponse(req, code, payload)))
		return
	}
	f.Engine.Send(mc.Reply(message.NewSeparateResponse(req, message.NonConfirmable, f.Engine.NewMessageID(), code, payload)))
}
