package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Processor handles one admitted inbound message. It answers through
// MessageEngine.Send.
type Processor interface {
	Process(mc *MessageContext)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(mc *MessageContext)

// Process calls f(mc).
func (f ProcessorFunc) Process(mc *MessageContext) { f(mc) }

// ProcessorFactory creates processors for the three inbound paths.
type ProcessorFactory interface {
	// NewRequestProcessor handles a new, well-formed request.
	NewRequestProcessor(mc *MessageContext) Processor

	// NewOptionErrorProcessor handles a request whose options could not be
	// parsed. It must reject confirmable requests with a Reset.
	NewOptionErrorProcessor(mc *MessageContext) Processor

	// NewErrorProcessor handles any other rejected request, answering with
	// mc.ResponseCode.
	NewErrorProcessor(mc *MessageContext) Processor
}

// Router classifies inbound messages.
type Router interface {
	Admit(mc *MessageContext) Route
}

// EngineConfig configures a MessageEngine.
type EngineConfig struct {
	// Messaging carries the engine's traffic. Required.
	Messaging *Messaging

	// Factory creates processors for admitted messages. Required.
	Factory ProcessorFactory

	// Router classifies inbound messages. If nil, every message is local.
	Router Router

	// Params configures retransmission of confirmable responses and the
	// duplicate-detection window. Zero fields take RFC 7252 defaults.
	Params TransmissionParameters

	// Random, if set, randomizes the first retransmission timeout.
	Random RandomSource

	// Statistics receives protocol counters. If nil, counters are kept
	// unregistered.
	Statistics *metrics.Statistics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// MessageEngine is the server side of the reliability layer.
//
// It remembers every request for EXCHANGE_LIFETIME and invokes a
// processor at most once per (source, message ID); duplicates of an
// answered request get the stored response replayed verbatim. Confirmable
// responses it sends are retransmitted until acknowledged.
//
// Processors run on their own goroutines so they may block, for example
// on an upstream request.
type MessageEngine struct {
	messaging *Messaging
	factory   ProcessorFactory
	router    Router
	params    TransmissionParameters
	random    RandomSource
	stats     *metrics.Statistics
	log       logging.LeveledLogger
	nextMID   atomic.Uint32

	mu          sync.Mutex
	outstanding *outstandingTable
	awaiting    *awaitingAckTable
	sub         Subscription
	running     bool
	closed      bool
	wg          sync.WaitGroup
}

// NewMessageEngine creates an engine. Call Start to begin processing.
func NewMessageEngine(config EngineConfig) (*MessageEngine, error) {
	if config.Messaging == nil {
		return nil, ErrNoMessaging
	}
	if config.Factory == nil {
		return nil, ErrNoProcessorFactory
	}
	params := config.Params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	e := &MessageEngine{
		messaging:   config.Messaging,
		factory:     config.Factory,
		router:      config.Router,
		params:      params,
		random:      config.Random,
		stats:       config.Statistics,
		outstanding: newOutstandingTable(params.ExchangeLifetime()),
		awaiting:    newAwaitingAckTable(),
	}
	if e.stats == nil {
		e.stats = metrics.NewUnregistered()
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("coap-engine")
	}

	var buf [2]byte
	if _, err := rand.Read(buf[:]); err == nil {
		e.nextMID.Store(uint32(binary.BigEndian.Uint16(buf[:])))
	}

	return e, nil
}

// Params returns the effective transmission parameters.
func (e *MessageEngine) Params() TransmissionParameters {
	return e.params
}

// Statistics returns the engine's counters.
func (e *MessageEngine) Statistics() *metrics.Statistics {
	return e.stats
}

// NewMessageID allocates a message ID for a separate response.
func (e *MessageEngine) NewMessageID() uint16 {
	return uint16(e.nextMID.Add(1))
}

// Start subscribes the engine to Messaging. Calling Start on a running
// engine is a no-op.
func (e *MessageEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.running {
		return nil
	}
	e.sub = e.messaging.Subscribe(e)
	e.running = true
	return nil
}

// Stop unsubscribes the engine. Tracked requests and pending
// retransmissions are kept. Calling Stop on a stopped engine is a no-op.
func (e *MessageEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.messaging.Unsubscribe(e.sub)
	e.running = false
	return nil
}

// Close stops the engine, cancels retransmissions, waits for running
// processors and releases the duplicate-detection table.
func (e *MessageEngine) Close() error {
	e.Stop()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.awaiting.clear()
	e.mu.Unlock()

	e.wg.Wait()
	e.outstanding.close()
	return nil
}

func (e *MessageEngine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running && !e.closed
}

func (e *MessageEngine) admit(mc *MessageContext) Route {
	if e.router == nil {
		return RouteLocal
	}
	return e.router.Admit(mc)
}

// OnMessage classifies and processes an inbound message.
func (e *MessageEngine) OnMessage(mc *MessageContext) {
	if !e.isRunning() {
		return
	}
	mc.Route = e.admit(mc)
	msg := mc.Message

	if mc.Route == RouteMisrouted {
		if !msg.IsRequest() {
			if e.log != nil {
				e.log.Debugf("dropping misrouted %v from %s", msg, mc.Source)
			}
			return
		}
		mc.ResponseCode = codes.ProxyingNotSupported
		mc.ProtocolError = ProtocolErrorMisrouted
		e.stats.Error(metrics.ErrorMisrouted)
		if e.log != nil {
			e.log.Debugf("misrouted request %v for %s", msg, mc.Destination)
		}
		e.handleError(mc)
		return
	}

	if msg.IsAck() || msg.IsReset() {
		e.handleControl(mc)
		return
	}

	if !msg.IsRequest() {
		// Responses belong to client engines on the same Messaging.
		if mc.Route == RouteLocal && msg.IsEmpty() && msg.IsConfirmable() {
			e.Send(mc.Reply(message.NewReset(msg.MessageID)))
		}
		return
	}

	e.stats.RequestsReceived.Inc()
	e.process(mc, e.factory.NewRequestProcessor)
}

// OnError handles a message whose options failed to parse.
func (e *MessageEngine) OnError(mc *MessageContext) {
	if !e.isRunning() {
		return
	}
	mc.Route = e.admit(mc)
	if mc.Route == RouteProxy && !mc.Message.IsRequest() {
		return
	}
	e.handleError(mc)
}

func (e *MessageEngine) handleError(mc *MessageContext) {
	msg := mc.Message

	if msg.IsAck() || msg.IsReset() {
		if e.log != nil {
			e.log.Debugf("ignoring malformed %v from %s", msg, mc.Source)
		}
		return
	}
	if !msg.IsRequest() {
		if mc.ProtocolError == ProtocolErrorOption && mc.Route == RouteLocal && msg.IsConfirmable() {
			e.Send(mc.Reply(message.NewReset(msg.MessageID)))
		}
		return
	}

	if mc.ProtocolError == ProtocolErrorOption {
		e.stats.Error(metrics.ErrorOption)
		e.process(mc, e.factory.NewOptionErrorProcessor)
		return
	}
	e.process(mc, e.factory.NewErrorProcessor)
}

// process runs the duplicate check for mc. An unseen request is
// registered as pending before its processor starts, so a back-to-back
// duplicate observes it.
func (e *MessageEngine) process(mc *MessageContext, newProcessor func(*MessageContext) Processor) {
	key := mc.RequestKey()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	r, seen := e.outstanding.lookup(key)
	if !seen {
		e.outstanding.register(key)
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if seen {
		if r.isFulfilled() {
			e.replay(mc, r.fulfilled)
			return
		}
		if e.log != nil {
			e.log.Debugf("dropping duplicate of pending request %v from %s", mc.Message, mc.Source)
		}
		return
	}

	p := newProcessor(mc)
	go func() {
		defer e.wg.Done()
		p.Process(mc)
	}()
}

func (e *MessageEngine) replay(mc *MessageContext, f FulfilledRequestEntry) {
	out := &MessageContext{
		Message:     f.Response.Clone(),
		Source:      mc.Destination,
		Destination: mc.Source,
		Route:       mc.Route,
		Request:     mc,
	}
	if err := e.messaging.Send(out); err != nil {
		if e.log != nil {
			e.log.Warnf("replay of %v failed: %v", out.Message, err)
		}
		return
	}
	e.stats.ResponsesReplayed.Inc()
	if e.log != nil {
		e.log.Debugf("replayed %v for duplicate %v from %s", out.Message, mc.Message, mc.Source)
	}
}

func (e *MessageEngine) handleControl(mc *MessageContext) {
	key := mc.AckKey()

	e.mu.Lock()
	entry := e.awaiting.remove(key)
	e.mu.Unlock()

	if entry == nil {
		if e.log != nil {
			e.log.Tracef("no confirmable awaiting %v from %s", mc.Message, mc.Source)
		}
		return
	}
	if mc.Message.IsReset() {
		e.stats.ResetsReceived.Inc()
		if e.log != nil {
			e.log.Debugf("peer %s rejected %v", mc.Source, entry.Context.Message)
		}
		return
	}
	e.stats.AcksReceived.Inc()
	if e.log != nil {
		e.log.Debugf("peer %s acknowledged %v", mc.Source, entry.Context.Message)
	}
}

// Send transmits an outbound message. It records the message as the
// response of the request it correlates with (first write wins) and tracks
// confirmable responses for retransmission.
func (e *MessageEngine) Send(mc *MessageContext) error {
	if mc.Message == nil {
		return ErrNoMessage
	}
	msg := mc.Message

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.markFulfilledLocked(mc)
	if msg.IsConfirmable() && msg.IsResponse() {
		if mc.ResponseAwaitingAck == nil {
			tracked := *mc
			tracked.ResponseAwaitingAck = msg
			mc = &tracked
		}
		e.awaiting.add(mc.AwaitedAckKey(), mc,
			e.params.RandomInitialTimeout(e.random), e.params.retransmits()+1, e.onAckTimeout)
	}
	e.mu.Unlock()

	if err := e.messaging.Send(mc); err != nil {
		e.stats.Error(metrics.ErrorTransport)
		if e.log != nil {
			e.log.Warnf("send %v to %s failed: %v", msg, mc.Destination, err)
		}
		return err
	}

	switch {
	case msg.IsPiggyBackedResponse():
		e.stats.ImmediateResponsesSent.Inc()
	case msg.IsDelayedResponse():
		e.stats.DelayedResponsesSent.Inc()
	case msg.IsAck() && msg.IsEmpty():
		e.stats.AcksSent.Inc()
	case msg.IsReset():
		e.stats.ResetsSent.Inc()
	}
	return nil
}

func (e *MessageEngine) onAckTimeout(key AckKey) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	entry, ok := e.awaiting.get(key)
	if !ok {
		e.mu.Unlock()
		return
	}
	mc := entry.Context
	if !e.awaiting.reschedule(key, e.onAckTimeout) {
		e.mu.Unlock()
		e.stats.Error(metrics.ErrorTimeout)
		if e.log != nil {
			e.log.Warnf("giving up on %v to %s: not acknowledged", mc.Message, mc.Destination)
		}
		return
	}
	e.mu.Unlock()

	if e.log != nil {
		e.log.Debugf("retransmitting %v to %s", mc.Message, mc.Destination)
	}
	if err := e.messaging.Send(mc); err != nil && e.log != nil {
		e.log.Warnf("retransmission of %v failed: %v", mc.Message, err)
	}
}

// MarkLocalRequestFulfilled records mc as the response of the request it
// correlates with. It returns false if that request is not tracked or was
// already fulfilled; a recorded response is never replaced.
func (e *MessageEngine) MarkLocalRequestFulfilled(mc *MessageContext) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markFulfilledLocked(mc)
}

func (e *MessageEngine) markFulfilledLocked(mc *MessageContext) bool {
	key, ok := mc.correlatedRequestKey()
	if !ok {
		return false
	}
	return e.outstanding.fulfill(key, mc.Message, time.Now())
}

// FulfilledRequest returns the stored response for an inbound request.
func (e *MessageEngine) FulfilledRequest(mc *MessageContext) (FulfilledRequestEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.outstanding.lookup(mc.RequestKey())
	if !ok || !r.isFulfilled() {
		return FulfilledRequestEntry{}, false
	}
	return r.fulfilled, true
}

// IsLocalRequestSeen reports whether the request is tracked.
func (e *MessageEngine) IsLocalRequestSeen(mc *MessageContext) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.outstanding.lookup(mc.RequestKey())
	return ok
}

// DeregisterLocalRequest forgets an inbound request. Callers should only
// do so once EXCHANGE_LIFETIME has passed; the table also expires entries
// on its own after that period.
func (e *MessageEngine) DeregisterLocalRequest(mc *MessageContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.outstanding.remove(mc.RequestKey()) {
		return ErrRequestNotFound
	}
	return nil
}

// OutstandingCount returns the number of tracked requests.
func (e *MessageEngine) OutstandingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstanding.count()
}

// AwaitingAckCount returns the number of unacknowledged confirmable
// responses.
func (e *MessageEngine) AwaitingAckCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.awaiting.count()
}
