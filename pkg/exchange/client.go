package exchange

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"golang.org/x/sync/semaphore"
)

// DefaultTokenSize is the length of generated request tokens.
const DefaultTokenSize = 4

// ClientConfig configures a ClientEngine.
type ClientConfig struct {
	// Messaging carries the client's traffic. Required.
	Messaging *Messaging

	// Local is the endpoint requests are sent from.
	Local transport.PeerAddress

	// Remote is the peer requests are sent to. Messages from any other
	// source are ignored. Required.
	Remote transport.PeerAddress

	// Params configures retransmission. Zero fields take RFC 7252 defaults.
	Params TransmissionParameters

	// Random, if set, draws each request's initial timeout from
	// [ACK_TIMEOUT, ACK_TIMEOUT*ACK_RANDOM_FACTOR]. If nil the
	// deterministic InitialTimeout is used.
	Random RandomSource

	// Statistics receives protocol counters. If nil, counters are kept
	// unregistered.
	Statistics *metrics.Statistics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// ClientEngine sends requests to one remote endpoint and matches the
// responses, acknowledgements and resets that come back.
//
// Any number of goroutines may block in SendReceive; at most NSTART of
// them have a request outstanding at the same time.
type ClientEngine struct {
	messaging *Messaging
	local     transport.PeerAddress
	remote    transport.PeerAddress
	params    TransmissionParameters
	random    RandomSource
	stats     *metrics.Statistics
	log       logging.LeveledLogger

	pending *pendingTable
	// acked holds confirmable separate responses already acknowledged,
	// keyed by message ID and token, for EXCHANGE_LIFETIME.
	acked   *ttlcache.Cache
	nstart  *semaphore.Weighted
	nextMID atomic.Uint32
	sub     Subscription

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewClientEngine creates a client and subscribes it to Messaging.
func NewClientEngine(config ClientConfig) (*ClientEngine, error) {
	if config.Messaging == nil {
		return nil, ErrNoMessaging
	}
	if !config.Remote.IsValid() {
		return nil, ErrInvalidRemote
	}
	params := config.Params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	c := &ClientEngine{
		messaging: config.Messaging,
		local:     config.Local,
		remote:    config.Remote,
		params:    params,
		random:    config.Random,
		stats:     config.Statistics,
		pending:   newPendingTable(),
		acked:     ttlcache.NewCache(),
		nstart:    semaphore.NewWeighted(int64(params.NStart)),
		closeCh:   make(chan struct{}),
	}
	c.acked.SetTTL(params.ExchangeLifetime())
	c.acked.SkipTtlExtensionOnHit(true)
	if c.stats == nil {
		c.stats = metrics.NewUnregistered()
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("coap-client")
	}

	// First message ID is random, subsequent ones increment (RFC 7252 Section 4.4).
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err == nil {
		c.nextMID.Store(uint32(binary.BigEndian.Uint16(buf[:])))
	}

	c.sub = c.messaging.Subscribe(c)
	return c, nil
}

// Remote returns the peer this client talks to.
func (c *ClientEngine) Remote() transport.PeerAddress {
	return c.remote
}

// Params returns the effective transmission parameters.
func (c *ClientEngine) Params() TransmissionParameters {
	return c.params
}

// NewMessageID allocates the next message ID.
func (c *ClientEngine) NewMessageID() uint16 {
	return uint16(c.nextMID.Add(1))
}

// NewContext wraps msg in a context addressed to the remote.
func (c *ClientEngine) NewContext(msg *message.Message) *MessageContext {
	return NewMessageContext(msg, c.local, c.remote)
}

// SendReceive transmits req and blocks until a response arrives or
// retransmissions are exhausted.
//
// On exhaustion it returns (nil, nil) and sets req.ResponseCode to 5.04
// Gateway Timeout. A rejected response yields (nil, nil) with 5.02 Bad
// Gateway. Errors are returned only for a closed client, a cancelled
// context, a duplicate request identity or a transport failure.
//
// A zero message ID and an empty token are filled in before sending; the
// updated message is stored back into req.
func (c *ClientEngine) SendReceive(ctx context.Context, req *MessageContext) (*message.Message, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if req.Message == nil {
		return nil, ErrNoMessage
	}
	c.prepare(req)

	if err := c.nstart.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.nstart.Release(1)

	timeout := c.params.RandomInitialTimeout(c.random)
	retries := c.params.retransmits() + 1
	wr := newWaitingRecord(req.Message, timeout, retries)

	// Register before the first transmission so a fast response finds it.
	if err := c.pending.add(wr); err != nil {
		return nil, err
	}
	defer c.pending.remove(wr)

	for attempt := 0; ; attempt++ {
		c.pending.setTimeout(wr, timeout, retries)

		if err := c.messaging.Send(req); err != nil {
			c.stats.Error(metrics.ErrorTransport)
			return nil, fmt.Errorf("exchange: sending %v: %w", req.Message, err)
		}
		if attempt == 0 {
			c.stats.RequestsSent.Inc()
			if c.log != nil {
				c.log.Debugf("sent %v to %s, timeout %v", req.Message, c.remote, timeout)
			}
		} else {
			c.stats.RequestsRetransmissions.Inc()
			if c.log != nil {
				c.log.Debugf("retransmission %d of %v, timeout %v", attempt, req.Message, timeout)
			}
		}

		outcome, err := c.wait(ctx, wr)
		if err != nil {
			return nil, err
		}

		switch outcome {
		case waitResponse:
			resp := wr.Response
			if resp.IsConfirmable() {
				c.acknowledge(req, resp)
			}
			return resp, nil

		case waitError:
			req.ResponseCode = wr.ErrorCode
			return nil, nil
		}

		if !ShouldRetry(&retries, &timeout) {
			req.ResponseCode = codes.GatewayTimeout
			c.stats.Error(metrics.ErrorTimeout)
			if c.log != nil {
				c.log.Warnf("no response to %v after %d retransmissions", req.Message, attempt)
			}
			return nil, nil
		}
	}
}

func (c *ClientEngine) prepare(req *MessageContext) {
	msg := req.Message
	if msg.MessageID == 0 || len(msg.Token) == 0 {
		msg = msg.Clone()
		if msg.MessageID == 0 {
			msg.MessageID = c.NewMessageID()
		}
		if len(msg.Token) == 0 {
			msg.Token = newToken()
		}
		req.Message = msg
	}
	if !req.Source.IsValid() {
		req.Source = c.local
	}
	if !req.Destination.IsValid() {
		req.Destination = c.remote
	}
}

// wait blocks until wr is completed or its current timeout elapses. An
// empty ACK restarts the timeout without consuming a retry.
func (c *ClientEngine) wait(ctx context.Context, wr *WaitingRecord) (waitOutcome, error) {
	timer := time.NewTimer(wr.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return waitNone, ctx.Err()
		case <-c.closeCh:
			return waitNone, ErrClientClosed
		case <-timer.C:
			// A completion racing the timer wins.
			if o := c.pending.take(wr); o == waitResponse || o == waitError {
				return o, nil
			}
			return waitNone, nil
		case <-wr.wake:
			switch c.pending.take(wr) {
			case waitResponse:
				return waitResponse, nil
			case waitError:
				return waitError, nil
			case waitAck:
				timer.Reset(wr.Timeout)
			}
		}
	}
}

// acknowledge sends an empty ACK for a confirmable separate response. The
// ACK context carries the response in ResponseAwaitingAck so it is not
// mistaken for the acknowledgement of the original request.
func (c *ClientEngine) acknowledge(req *MessageContext, resp *message.Message) {
	ack := &MessageContext{
		Message:             message.NewEmptyAck(resp.MessageID),
		Source:              req.Source,
		Destination:         req.Destination,
		ResponseAwaitingAck: resp,
		Route:               req.Route,
	}
	c.acked.Set(ackedKey(resp), struct{}{})
	if err := c.messaging.Send(ack); err != nil {
		if c.log != nil {
			c.log.Warnf("failed to acknowledge %v: %v", resp, err)
		}
		return
	}
	c.stats.AcksSent.Inc()
}

// reacknowledge answers a retransmitted separate response whose original
// was already acknowledged; the peer missed our ACK.
func (c *ClientEngine) reacknowledge(mc *MessageContext) bool {
	if _, ok := c.acked.Get(ackedKey(mc.Message)); !ok {
		return false
	}
	c.acknowledge(&MessageContext{
		Source:      mc.Destination,
		Destination: mc.Source,
		Route:       mc.Route,
	}, mc.Message)
	return true
}

func ackedKey(resp *message.Message) string {
	return fmt.Sprintf("%d/%x", resp.MessageID, resp.Token)
}

func (c *ClientEngine) sendReset(mc *MessageContext) {
	rst := &MessageContext{
		Message:     message.NewReset(mc.Message.MessageID),
		Source:      mc.Destination,
		Destination: mc.Source,
		Route:       mc.Route,
	}
	if err := c.messaging.Send(rst); err != nil {
		if c.log != nil {
			c.log.Warnf("failed to reset %v: %v", mc.Message, err)
		}
		return
	}
	c.stats.ResetsSent.Inc()
}

// OnMessage matches inbound traffic from the remote against waiting records
// (RFC 7252 Section 5.3.2).
func (c *ClientEngine) OnMessage(mc *MessageContext) {
	if !mc.Source.Equal(c.remote) {
		return
	}
	msg := mc.Message

	switch {
	case msg.IsAck() && msg.IsEmpty():
		wr := c.pending.lookupMID(msg.MessageID)
		if wr == nil {
			c.unmatched(mc)
			return
		}
		c.stats.AcksReceived.Inc()
		if c.log != nil {
			c.log.Debugf("peer acknowledged %d, waiting for separate response", msg.MessageID)
		}
		c.pending.ack(wr)

	case msg.IsReset():
		wr := c.pending.lookupMID(msg.MessageID)
		if wr == nil {
			c.unmatched(mc)
			return
		}
		c.stats.ResetsReceived.Inc()
		c.pending.deliver(wr, msg)

	case msg.IsPiggyBackedResponse():
		wr := c.pending.lookupMID(msg.MessageID)
		if wr == nil || !msg.TokenEqual(wr.Token) {
			c.unmatched(mc)
			return
		}
		c.stats.ImmediateResponsesReceived.Inc()
		c.pending.deliver(wr, msg)

	case msg.IsDelayedResponse():
		wr := c.pending.lookupToken(msg.Token)
		if wr == nil {
			c.unmatched(mc)
			return
		}
		c.stats.DelayedResponsesReceived.Inc()
		c.pending.deliver(wr, msg)

	case msg.IsEmpty() && msg.IsConfirmable():
		// CoAP ping.
		c.sendReset(mc)
	}
}

// unmatched rejects a response nobody is waiting for. ACKs and Resets are
// never answered with a Reset (RFC 7252 Section 4.2), and a duplicate of a
// separate response we already acknowledged is acknowledged again
// (Section 4.5).
func (c *ClientEngine) unmatched(mc *MessageContext) {
	if c.log != nil {
		c.log.Debugf("untracked %v from %s", mc.Message, mc.Source)
	}
	if mc.Message.IsAck() || mc.Message.IsReset() {
		return
	}
	if mc.Message.IsConfirmable() && mc.Message.IsDelayedResponse() && c.reacknowledge(mc) {
		return
	}
	c.stats.Error(metrics.ErrorUnsolicited)
	c.sendReset(mc)
}

// OnError rejects a malformed message from the remote. A confirmable
// message is answered with a Reset built from the parsed header, and a
// waiting request it correlates with fails with 5.02 Bad Gateway.
func (c *ClientEngine) OnError(mc *MessageContext) {
	if !mc.Source.Equal(c.remote) || mc.ProtocolError != ProtocolErrorOption {
		return
	}
	msg := mc.Message
	c.stats.Error(metrics.ErrorOption)
	if c.log != nil {
		c.log.Warnf("rejecting malformed %v from %s: %v", msg, mc.Source, mc.Err)
	}

	if msg.IsConfirmable() {
		c.sendReset(mc)
	}

	var wr *WaitingRecord
	if msg.IsAck() || msg.IsReset() {
		wr = c.pending.lookupMID(msg.MessageID)
	} else {
		wr = c.pending.lookupToken(msg.Token)
	}
	if wr != nil {
		c.pending.fail(wr, codes.BadGateway)
	}
}

// Pending returns the number of requests waiting for a response.
func (c *ClientEngine) Pending() int {
	return c.pending.count()
}

func (c *ClientEngine) isClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// Close unsubscribes the client and fails every pending SendReceive with
// ErrClientClosed. The shared Messaging and transport stay open.
func (c *ClientEngine) Close() error {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		c.messaging.Unsubscribe(c.sub)
		close(c.closeCh)
		c.acked.Close()
	})
	if !closed {
		return ErrClientClosed
	}
	return nil
}

func newToken() []byte {
	token := make([]byte, DefaultTokenSize)
	if _, err := rand.Read(token); err != nil {
		binary.BigEndian.PutUint32(token, uint32(time.Now().UnixNano()))
	}
	return token
}
