package exchange

import (
	"sync"

	"github.com/backkem/coap/pkg/transport"
)

// ProxyEngineConfig configures a ProxyEngine.
type ProxyEngineConfig struct {
	EngineConfig

	// OriginEndpoints are the local endpoints this node serves resources
	// on. The set is fixed after construction.
	OriginEndpoints []transport.PeerAddress
}

// ProxyEngine is a MessageEngine with proxy-endpoint admission control.
//
// Origin endpoints are fixed; proxy endpoints are append-only and
// identify intermediaries the node forwards for. Proxy membership is
// checked first, so a message already travelling through the proxy is
// never treated as local.
type ProxyEngine struct {
	*MessageEngine

	origins []transport.PeerAddress

	mu      sync.RWMutex
	proxies []transport.PeerAddress
}

// NewProxyEngine creates a ProxyEngine. config.Router is replaced by the
// proxy's own admission classifier.
func NewProxyEngine(config ProxyEngineConfig) (*ProxyEngine, error) {
	p := &ProxyEngine{
		origins: append([]transport.PeerAddress(nil), config.OriginEndpoints...),
	}
	config.Router = p

	engine, err := NewMessageEngine(config.EngineConfig)
	if err != nil {
		return nil, err
	}
	p.MessageEngine = engine
	return p, nil
}

// AddProxyEndpoint registers addr as a proxy endpoint. It returns false if
// addr was already registered.
func (p *ProxyEngine) AddProxyEndpoint(addr transport.PeerAddress) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if containsAddress(p.proxies, addr) {
		return false
	}
	p.proxies = append(p.proxies, addr)
	if p.log != nil {
		p.log.Infof("proxy endpoint %s registered", addr)
	}
	return true
}

// OriginEndpoints returns the origin endpoints.
func (p *ProxyEngine) OriginEndpoints() []transport.PeerAddress {
	return append([]transport.PeerAddress(nil), p.origins...)
}

// ProxyEndpoints returns a snapshot of the proxy endpoints.
func (p *ProxyEngine) ProxyEndpoints() []transport.PeerAddress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]transport.PeerAddress(nil), p.proxies...)
}

// IsOriginEndpoint reports whether addr is an origin endpoint.
func (p *ProxyEngine) IsOriginEndpoint(addr transport.PeerAddress) bool {
	return containsAddress(p.origins, addr)
}

// IsProxyEndpoint reports whether addr is a registered proxy endpoint.
func (p *ProxyEngine) IsProxyEndpoint(addr transport.PeerAddress) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return containsAddress(p.proxies, addr)
}

// Admit classifies mc: Proxy if its source or destination is a proxy
// endpoint, else Local if its destination is an origin endpoint, else
// Misrouted.
func (p *ProxyEngine) Admit(mc *MessageContext) Route {
	if p.IsProxyEndpoint(mc.Source) || p.IsProxyEndpoint(mc.Destination) {
		return RouteProxy
	}
	if p.IsOriginEndpoint(mc.Destination) {
		return RouteLocal
	}
	return RouteMisrouted
}

func containsAddress(list []transport.PeerAddress, addr transport.PeerAddress) bool {
	for _, a := range list {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}
