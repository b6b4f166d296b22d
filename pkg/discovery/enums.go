// Package discovery advertises and finds CoAP servers with DNS-SD (mDNS).
//
// Servers register a "_coap._udp" instance whose TXT record lists the
// resource types they serve as "rt=<path>" entries (RFC 6763 Section 6,
// RFC 7252 Section 7). Clients browse for the service type or look up a
// known instance.
package discovery

// DNS-SD service strings.
const (
	// ServiceCoAP is the DNS-SD service type for CoAP over UDP.
	ServiceCoAP = "_coap._udp"

	// DefaultDomain is the default mDNS domain.
	DefaultDomain = "local."
)

// DefaultPort is the default CoAP port.
const DefaultPort = 5683
