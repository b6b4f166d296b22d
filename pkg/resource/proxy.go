package resource

import (
	"context"
	"time"

	"github.com/backkem/coap/pkg/cache"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Upstream sends requests to an origin server. *exchange.ClientEngine
// implements it.
type Upstream interface {
	SendReceive(ctx context.Context, req *exchange.MessageContext) (*message.Message, error)
	NewContext(msg *message.Message) *exchange.MessageContext
	Remote() transport.PeerAddress
}

// ProxyConfig configures a ProxyProvider.
type ProxyConfig struct {
	// Upstream reaches the origin server. Required.
	Upstream Upstream

	// Path is the resource path on the origin.
	Path string

	// Cache stores GET responses. If nil, every request goes upstream.
	Cache *cache.ResourceCache

	// AlwaysDelayed evicts the cached entry before each GET, so every
	// request is fetched upstream and answered with a separate response.
	AlwaysDelayed bool

	// NonConfirmable sends upstream requests as NON instead of CON.
	NonConfirmable bool

	// ReadOnly rejects every method but GET.
	ReadOnly bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	LoggerFactory logging.LoggerFactory
}

// ProxyProvider forwards requests to a resource on an origin server and
// caches the GET responses.
type ProxyProvider struct {
	upstream      Upstream
	path          string
	cache         *cache.ResourceCache
	alwaysDelayed bool
	msgType       message.Type
	readOnly      bool
	now           func() time.Time
	log           logging.LeveledLogger
}

// NewProxyProvider creates a ProxyProvider.
func NewProxyProvider(config ProxyConfig) (*ProxyProvider, error) {
	if config.Upstream == nil {
		return nil, ErrNoUpstream
	}
	p := &ProxyProvider{
		upstream:      config.Upstream,
		path:          CleanPath(config.Path),
		cache:         config.Cache,
		alwaysDelayed: config.AlwaysDelayed,
		msgType:       message.Confirmable,
		readOnly:      config.ReadOnly,
		now:           config.Now,
	}
	if config.NonConfirmable {
		p.msgType = message.NonConfirmable
	}
	if p.now == nil {
		p.now = time.Now
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("coap-proxy")
	}
	return p, nil
}

// Path returns the origin path.
func (p *ProxyProvider) Path() string { return p.path }

// Origin returns the origin endpoint.
func (p *ProxyProvider) Origin() transport.PeerAddress { return p.upstream.Remote() }

// IsImmediate implements Provider.
func (p *ProxyProvider) IsImmediate() bool { return !p.alwaysDelayed }

// IsReadOnly implements Provider.
func (p *ProxyProvider) IsReadOnly() bool { return p.readOnly }

// ExecuteMethod implements Provider.
func (p *ProxyProvider) ExecuteMethod(ctx context.Context, req Request) Result {
	if !isMethod(req.Method) || (p.readOnly && req.Method != codes.GET) {
		return Result{Code: codes.MethodNotAllowed}
	}

	up := message.NewRequest(p.msgType, req.Method, p.path).WithQuery(req.Query)
	up.Payload = append([]byte(nil), req.Payload...)
	origin := p.upstream.Remote()

	if req.Method == codes.GET && p.cache != nil {
		if p.alwaysDelayed {
			p.cache.Evict(up, origin)
		} else if entry, ok := p.cache.TryGetValue(up, origin); ok {
			if p.log != nil {
				p.log.Tracef("cache hit for %s at %s", p.path, origin)
			}
			return Result{
				Code:    entry.Response.Code,
				Payload: append([]byte(nil), entry.Response.Payload...),
				ETag:    entry.ETag,
				MaxAge:  entry.MaxAge(p.now()),
			}
		}
	}

	mc := p.upstream.NewContext(up)
	resp, err := p.upstream.SendReceive(ctx, mc)
	if err != nil {
		if p.log != nil {
			p.log.Warnf("upstream %s %s: %v", origin, p.path, err)
		}
		return Result{Code: codes.BadGateway}
	}
	if resp == nil {
		if p.log != nil {
			p.log.Debugf("upstream %s %s gave no response: %v", origin, p.path, mc.ResponseCode)
		}
		return Result{Code: mc.ResponseCode}
	}
	if resp.IsReset() {
		return Result{Code: codes.BadGateway}
	}

	switch {
	case p.cache == nil:
	case req.Method == codes.GET && resp.Code == codes.Content:
		p.cache.Refresh(up, resp, origin)
	case req.Method != codes.GET:
		// The resource may have changed.
		p.cache.Evict(message.NewRequest(p.msgType, codes.GET, p.path).WithQuery(req.Query), origin)
	}

	return Result{
		Code:    resp.Code,
		Payload: append([]byte(nil), resp.Payload...),
		ETag:    resp.ETag(),
		MaxAge:  resp.MaxAgeSeconds(),
	}
}
