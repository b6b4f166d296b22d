package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// DefaultPort is the default CoAP port (RFC 7252 Section 6.1).
const DefaultPort = 5683

// Endpoint is one bound CoAP socket. Its read loop hands every received
// datagram to the MessageHandler together with the local address it
// arrived on.
//
// Datagrams larger than message.MaxUDPMessageSize are dropped on receive
// and refused on send.
type Endpoint struct {
	conn    net.PacketConn
	local   PeerAddress
	handler MessageHandler
	log     logging.LeveledLogger

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool

	received  atomic.Uint64
	sent      atomic.Uint64
	oversized atomic.Uint64
}

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// Conn is an already bound socket. If nil, ListenAddr is bound.
	Conn net.PacketConn

	// ListenAddr is the UDP address to bind, e.g. ":5683" or "[::1]:0".
	// Empty binds an ephemeral port on all interfaces.
	ListenAddr string

	// MessageHandler receives every datagram. Required.
	MessageHandler MessageHandler

	LoggerFactory logging.LoggerFactory
}

// EndpointStats are datagram counters of one Endpoint.
type EndpointStats struct {
	Received  uint64
	Sent      uint64
	Oversized uint64
}

// NewEndpoint binds (or adopts) a socket. The read loop starts with Start.
func NewEndpoint(config EndpointConfig) (*Endpoint, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}

	conn := config.Conn
	if conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		c, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		conn = c
	}

	e := &Endpoint{
		conn:    conn,
		local:   NewPeerAddress(conn.LocalAddr()),
		handler: config.MessageHandler,
		done:    make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("transport-udp")
	}
	return e, nil
}

// Start runs the read loop in a new goroutine.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return ErrClosed
	case e.started:
		return ErrAlreadyStarted
	}
	e.started = true

	if e.log != nil {
		e.log.Debugf("listening on %s", e.local)
	}
	e.wg.Add(1)
	go e.readLoop()
	return nil
}

// Stop closes the socket and waits for the read loop to return.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	// Unblock a pending ReadFrom before closing, for conns whose Close
	// does not interrupt readers.
	_ = e.conn.SetReadDeadline(time.Now())
	err := e.conn.Close()
	e.wg.Wait()

	if e.log != nil {
		e.log.Debugf("closed %s", e.local)
	}
	return err
}

// Send writes one datagram to addr.
func (e *Endpoint) Send(data []byte, addr net.Addr) error {
	if e.isClosed() {
		return ErrClosed
	}
	if addr == nil {
		return ErrInvalidAddress
	}
	if len(data) > message.MaxUDPMessageSize {
		return ErrMessageTooLarge
	}

	if _, err := e.conn.WriteTo(data, addr); err != nil {
		if e.log != nil {
			e.log.Warnf("write %s -> %v: %v", e.local, addr, err)
		}
		return err
	}
	e.sent.Add(1)
	if e.log != nil {
		e.log.Tracef("sent %d bytes %s -> %v", len(data), e.local, addr)
	}
	return nil
}

// Local returns the bound address.
func (e *Endpoint) Local() PeerAddress {
	return e.local
}

// Stats returns a snapshot of the datagram counters.
func (e *Endpoint) Stats() EndpointStats {
	return EndpointStats{
		Received:  e.received.Load(),
		Sent:      e.sent.Load(),
		Oversized: e.oversized.Load(),
	}
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Endpoint) readLoop() {
	defer e.wg.Done()

	// One spare byte tells a full-size datagram from a truncated one.
	buf := make([]byte, message.MaxUDPMessageSize+1)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			if e.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			if e.log != nil {
				e.log.Warnf("read on %s: %v", e.local, err)
			}
			continue
		}
		if n == 0 {
			continue
		}
		if n > message.MaxUDPMessageSize {
			e.oversized.Add(1)
			if e.log != nil {
				e.log.Warnf("dropping oversized datagram from %v", addr)
			}
			continue
		}
		e.received.Add(1)

		data := make([]byte, n)
		copy(data, buf[:n])
		if e.log != nil {
			e.log.Tracef("received %d bytes %v -> %s", n, addr, e.local)
		}
		e.handler(&ReceivedMessage{
			Data:      data,
			PeerAddr:  NewPeerAddress(addr),
			LocalAddr: e.local,
		})
	}
}
