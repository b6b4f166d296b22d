package server

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/backkem/coap/pkg/cache"
	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/resource"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// ProxyPrefix is the path namespace under which proxied resources are
// also exposed.
const ProxyPrefix = "proxy/"

// ProxyOptions configures a proxied resource.
type ProxyOptions struct {
	// AlwaysDelayed bypasses the cache and answers with separate responses.
	AlwaysDelayed bool

	// NonConfirmable sends upstream requests as NON.
	NonConfirmable bool

	// ReadOnly rejects every method but GET.
	ReadOnly bool
}

// Server is a CoAP origin server and caching reverse proxy.
type Server struct {
	config Config
	log    logging.LeveledLogger
	stats  *metrics.Statistics

	manager    *transport.Manager
	messaging  *exchange.Messaging
	engine     *exchange.ProxyEngine
	registry   *resource.Registry
	cache      *cache.ResourceCache
	advertiser *discovery.Advertiser

	mu        sync.Mutex
	state     State
	upstreams map[string]*exchange.ClientEngine

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server and binds its listeners. Call Start to serve.
func New(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	s := &Server{
		config:    config,
		stats:     config.Statistics,
		registry:  resource.NewRegistry(),
		upstreams: make(map[string]*exchange.ClientEngine),
	}
	if s.stats == nil {
		s.stats = metrics.New(config.Registerer, config.Namespace)
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("coap-server")
	}
	var err error
	s.manager, err = transport.NewManager(transport.ManagerConfig{
		ListenAddrs:    config.ListenAddrs,
		Conns:          config.Conns,
		MessageHandler: s.handleDatagram,
		LoggerFactory:  config.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s.messaging, err = exchange.NewMessaging(exchange.MessagingConfig{
		Sender:        s.manager,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		s.manager.Stop()
		return nil, err
	}

	s.engine, err = exchange.NewProxyEngine(exchange.ProxyEngineConfig{
		EngineConfig: exchange.EngineConfig{
			Messaging:     s.messaging,
			Factory:       s,
			Params:        config.Params,
			Random:        config.Random,
			Statistics:    s.stats,
			LoggerFactory: config.LoggerFactory,
		},
		OriginEndpoints: s.manager.LocalAddresses(),
	})
	if err != nil {
		s.manager.Stop()
		return nil, err
	}

	s.cache, err = cache.New(cache.Config{
		Capacity:      config.CacheCapacity,
		Statistics:    s.stats,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		s.manager.Stop()
		return nil, err
	}

	if config.Advertise {
		port := transport.DefaultPort
		if addrs := s.manager.LocalAddresses(); len(addrs) > 0 {
			if udp, ok := addrs[0].Addr.(*net.UDPAddr); ok {
				port = udp.Port
			}
		}
		s.advertiser, err = discovery.NewAdvertiser(discovery.AdvertiserConfig{
			InstanceName:  config.InstanceName,
			Port:          port,
			ServerFactory: config.AdvertiserFactory,
			LoggerFactory: config.LoggerFactory,
		})
		if err != nil {
			s.manager.Stop()
			return nil, err
		}
	}

	return s, nil
}

func (s *Server) handleDatagram(rm *transport.ReceivedMessage) {
	s.messaging.HandleDatagram(rm)
}

// Start begins serving. ctx bounds provider executions; cancelling it
// does not stop the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrStopped
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.engine.Start(); err != nil {
		return err
	}
	if err := s.manager.Start(); err != nil {
		s.engine.Stop()
		return fmt.Errorf("server: %w", err)
	}
	if s.advertiser != nil {
		if err := s.advertiser.Start(discovery.ServerTXT{Resources: s.registry.Paths()}); err != nil {
			// Serving works without mDNS.
			if s.log != nil {
				s.log.Warnf("DNS-SD advertisement failed: %v", err)
			}
		}
	}

	s.setStateLocked(StateRunning)
	if s.log != nil {
		s.log.Infof("serving on %v", s.manager.LocalAddresses())
	}
	return nil
}

// Stop shuts the server down. Pending provider executions are cancelled
// and waited for.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.setStateLocked(StateStopped)
	upstreams := s.upstreams
	s.upstreams = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if s.advertiser != nil {
		s.advertiser.Close()
	}
	for _, c := range upstreams {
		c.Close()
	}
	s.engine.Close()

	err := s.manager.Stop()
	if err == transport.ErrClosed {
		err = nil
	}
	if s.log != nil {
		s.log.Info("server stopped")
	}
	return err
}

// context returns the context provider executions run under.
func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Server) setStateLocked(state State) {
	s.state = state
	if s.config.OnStateChanged != nil {
		s.config.OnStateChanged(state)
	}
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddProvider registers p for the resource named by uri. uri is either a
// path or a coap:// URI. A URI whose host is not one of the server's
// listeners marks that host as a proxy endpoint, and p is exposed under
// both the path and ProxyPrefix + path.
func (s *Server) AddProvider(uri string, p resource.Provider) error {
	addr, path, err := parseURI(uri)
	if err != nil {
		return err
	}

	if !addr.IsValid() || s.engine.IsOriginEndpoint(addr) {
		if err := s.registry.Register(path, p); err != nil {
			return fmt.Errorf("server: %s: %w", path, err)
		}
		if s.log != nil {
			s.log.Infof("origin resource /%s", path)
		}
		s.updateAdvertisement()
		return nil
	}

	if err := s.registry.Register(path, p); err != nil {
		return fmt.Errorf("server: %s: %w", path, err)
	}
	if err := s.registry.Register(ProxyPrefix+path, p); err != nil {
		s.registry.Remove(path)
		return fmt.Errorf("server: %s: %w", ProxyPrefix+path, err)
	}
	s.engine.AddProxyEndpoint(addr)
	if s.log != nil {
		s.log.Infof("proxied resource /%s for %s", path, addr)
	}
	s.updateAdvertisement()
	return nil
}

// AddProxy forwards the resource named by a coap:// uri, caching its GET
// responses.
func (s *Server) AddProxy(uri string, opts ProxyOptions) (*resource.ProxyProvider, error) {
	addr, path, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	if !addr.IsValid() {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURI, uri)
	}

	client, err := s.upstream(addr)
	if err != nil {
		return nil, err
	}

	p, err := resource.NewProxyProvider(resource.ProxyConfig{
		Upstream:       client,
		Path:           path,
		Cache:          s.cache,
		AlwaysDelayed:  opts.AlwaysDelayed,
		NonConfirmable: opts.NonConfirmable,
		ReadOnly:       opts.ReadOnly,
		LoggerFactory:  s.config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	if err := s.AddProvider(uri, p); err != nil {
		return nil, err
	}
	return p, nil
}

// upstream returns the client engine for addr, creating it on first use.
func (s *Server) upstream(addr transport.PeerAddress) (*exchange.ClientEngine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return nil, ErrStopped
	}
	if c, ok := s.upstreams[addr.Key()]; ok {
		return c, nil
	}
	c, err := exchange.NewClientEngine(exchange.ClientConfig{
		Messaging:     s.messaging,
		Remote:        addr,
		Params:        s.config.Params,
		Random:        s.config.Random,
		Statistics:    s.stats,
		LoggerFactory: s.config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	s.upstreams[addr.Key()] = c
	return c, nil
}

func (s *Server) updateAdvertisement() {
	if s.advertiser == nil || !s.advertiser.IsAdvertising() {
		return
	}
	if err := s.advertiser.Update(discovery.ServerTXT{Resources: s.registry.Paths()}); err != nil && s.log != nil {
		s.log.Warnf("DNS-SD update failed: %v", err)
	}
}

// RemoveProvider unregisters the resource at path, including its proxy
// alias. Proxy endpoints stay registered.
func (s *Server) RemoveProvider(path string) bool {
	path = resource.CleanPath(path)
	removed := s.registry.Remove(path)
	if s.registry.Remove(ProxyPrefix + path) {
		removed = true
	}
	if removed {
		s.updateAdvertisement()
	}
	return removed
}

// LocalAddresses returns the addresses the server listens on.
func (s *Server) LocalAddresses() []transport.PeerAddress {
	return s.manager.LocalAddresses()
}

// Registry returns the resource registry.
func (s *Server) Registry() *resource.Registry { return s.registry }

// Cache returns the response cache.
func (s *Server) Cache() *cache.ResourceCache { return s.cache }

// Engine returns the routing engine.
func (s *Server) Engine() *exchange.ProxyEngine { return s.engine }

// Statistics returns the protocol counters.
func (s *Server) Statistics() *metrics.Statistics { return s.stats }

// Advertiser returns the DNS-SD advertiser, or nil when disabled.
func (s *Server) Advertiser() *discovery.Advertiser { return s.advertiser }

// parseURI splits uri into an endpoint and a clean path. A bare path or a
// URI without host yields a zero endpoint.
func parseURI(uri string) (transport.PeerAddress, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return transport.PeerAddress{}, "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != "" && u.Scheme != "coap" {
		return transport.PeerAddress{}, "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
	path := resource.CleanPath(u.Path)
	if u.Host == "" {
		return transport.PeerAddress{}, path, nil
	}

	port := u.Port()
	if port == "" {
		port = strconv.Itoa(transport.DefaultPort)
	}
	addr, err := transport.UDPAddrFromString(net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return transport.PeerAddress{}, "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	return addr, path, nil
}
