// Package exchange implements the CoAP reliability and routing engine.
//
// The exchange layer sits between the datagram transport (pkg/transport)
// and the resource layer (pkg/resource, pkg/server). It provides:
//
//   - Messaging: decodes datagrams into MessageContexts and fans them out to
//     subscribed observers in registration order
//   - ClientEngine: request/response/ACK matching and exponential-backoff
//     retransmission for one remote endpoint
//   - MessageEngine: duplicate suppression over EXCHANGE_LIFETIME, replay of
//     already computed responses, retransmission of confirmable responses
//   - ProxyEngine: origin/proxy/misrouted admission on top of MessageEngine
//
// References:
//   - RFC 7252 Section 4: Message Transmission
//   - RFC 7252 Section 5.2: Request/Response Matching
//   - RFC 7252 Section 5.7: Proxying
package exchange

// Route classifies an inbound message relative to the endpoints a server
// is responsible for.
type Route int

const (
	// RouteUnknown indicates the message has not been classified yet.
	RouteUnknown Route = iota

	// RouteLocal indicates the destination is one of the origin endpoints.
	RouteLocal

	// RouteProxy indicates the source or destination is a proxy endpoint.
	RouteProxy

	// RouteMisrouted indicates the message is neither local nor proxied.
	// Requests classified this way are answered with 5.05 Proxying Not
	// Supported through the error path.
	RouteMisrouted
)

// String returns a human-readable name for the route.
func (r Route) String() string {
	switch r {
	case RouteLocal:
		return "Local"
	case RouteProxy:
		return "Proxy"
	case RouteMisrouted:
		return "Misrouted"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the route is a defined classification.
func (r Route) IsValid() bool {
	return r >= RouteLocal && r <= RouteMisrouted
}

// ProtocolError records why an inbound message could not be processed
// normally.
type ProtocolError int

const (
	// ProtocolErrorNone indicates a well-formed, correctly routed message.
	ProtocolErrorNone ProtocolError = iota

	// ProtocolErrorOption indicates the header was valid but the options
	// or payload marker could not be parsed (RFC 7252 Section 4.2, 5.4.1).
	ProtocolErrorOption

	// ProtocolErrorMisrouted indicates the message targets an endpoint this
	// node neither serves nor proxies.
	ProtocolErrorMisrouted
)

// String returns a human-readable name for the protocol error.
func (e ProtocolError) String() string {
	switch e {
	case ProtocolErrorNone:
		return "None"
	case ProtocolErrorOption:
		return "OptionError"
	case ProtocolErrorMisrouted:
		return "Misrouted"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the value is a defined protocol error.
func (e ProtocolError) IsValid() bool {
	return e >= ProtocolErrorNone && e <= ProtocolErrorMisrouted
}
