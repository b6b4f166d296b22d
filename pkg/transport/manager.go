package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/pion/logging"
)

// Manager owns a set of UDP endpoints that share one MessageHandler.
//
// A server may listen on several local addresses (for example one per
// origin or proxy endpoint). Every received datagram carries the local
// address it arrived on, and replies are sent from that same address with
// SendFrom.
type Manager struct {
	listeners []*Endpoint
	byKey     map[string]*Endpoint
	handler   MessageHandler
	log       logging.LeveledLogger

	mu      sync.RWMutex
	started bool
	closed  bool
}

// ManagerConfig configures the transport manager.
type ManagerConfig struct {
	// ListenAddrs are the local addresses to bind.
	// Ignored for entries that have a matching Conns element.
	ListenAddrs []string

	// Conns are optional pre-existing packet connections, mainly for tests.
	Conns []net.PacketConn

	// MessageHandler is called for each received datagram.
	// Required.
	MessageHandler MessageHandler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewManager creates a transport manager and binds all listeners.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}
	if len(config.ListenAddrs) == 0 && len(config.Conns) == 0 {
		return nil, ErrNoListeners
	}

	m := &Manager{
		byKey:   make(map[string]*Endpoint),
		handler: config.MessageHandler,
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("transport")
	}

	add := func(cfg EndpointConfig) error {
		cfg.MessageHandler = config.MessageHandler
		cfg.LoggerFactory = config.LoggerFactory
		u, err := NewEndpoint(cfg)
		if err != nil {
			return err
		}
		m.listeners = append(m.listeners, u)
		m.byKey[u.Local().Key()] = u
		return nil
	}

	for _, conn := range config.Conns {
		if err := add(EndpointConfig{Conn: conn}); err != nil {
			m.closeListeners()
			return nil, fmt.Errorf("creating endpoint: %w", err)
		}
	}
	for _, addr := range config.ListenAddrs {
		if err := add(EndpointConfig{ListenAddr: addr}); err != nil {
			m.closeListeners()
			return nil, fmt.Errorf("creating endpoint %s: %w", addr, err)
		}
	}

	return m, nil
}

// Start begins the read loop on every listener.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	for i, u := range m.listeners {
		if err := u.Start(); err != nil {
			for _, started := range m.listeners[:i] {
				started.Stop()
			}
			return fmt.Errorf("starting endpoint %s: %w", u.Local(), err)
		}
	}

	return nil
}

// Stop closes all listeners.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()

	return m.closeListeners()
}

func (m *Manager) closeListeners() error {
	var first error
	for _, u := range m.listeners {
		if err := u.Stop(); err != nil && err != ErrClosed && first == nil {
			first = fmt.Errorf("stopping endpoint %s: %w", u.Local(), err)
		}
	}
	return first
}

// Send writes a datagram to peer from the first listener.
func (m *Manager) Send(data []byte, peer PeerAddress) error {
	if len(m.listeners) == 0 {
		return ErrNoListeners
	}
	return m.SendFrom(m.listeners[0].Local(), data, peer)
}

// SendFrom writes a datagram to peer from the listener bound to local.
// A zero local address selects the first listener.
func (m *Manager) SendFrom(local PeerAddress, data []byte, peer PeerAddress) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	if !peer.IsValid() {
		return ErrInvalidAddress
	}

	if !local.IsValid() {
		if len(m.listeners) == 0 {
			return ErrNoListeners
		}
		return m.listeners[0].Send(data, peer.Addr)
	}

	u, ok := m.byKey[local.Key()]
	if !ok {
		if m.log != nil {
			m.log.Warnf("no listener for %s", local)
		}
		return ErrUnknownLocalAddress
	}
	return u.Send(data, peer.Addr)
}

// LocalAddresses returns the addresses of all listeners, in configuration
// order (Conns first, then ListenAddrs).
func (m *Manager) LocalAddresses() []PeerAddress {
	addrs := make([]PeerAddress, 0, len(m.listeners))
	for _, u := range m.listeners {
		addrs = append(addrs, u.Local())
	}
	return addrs
}
