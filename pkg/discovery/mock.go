package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockMDNSResolver answers browse and lookup queries from registered
// entries without touching the network.
type MockMDNSResolver struct {
	mu      sync.Mutex
	entries []*zeroconf.ServiceEntry
	queries int
}

// NewMockMDNSResolver creates an empty mock resolver.
func NewMockMDNSResolver() *MockMDNSResolver {
	return &MockMDNSResolver{}
}

// RegisterService adds an entry answered for queries of service.
func (m *MockMDNSResolver) RegisterService(service string, entry *zeroconf.ServiceEntry) {
	e := *entry
	e.Service = service
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &e)
}

// RegisterServer adds a _coap._udp entry.
func (m *MockMDNSResolver) RegisterServer(entry *zeroconf.ServiceEntry) {
	m.RegisterService(ServiceCoAP, entry)
}

// ClearServices removes every entry.
func (m *MockMDNSResolver) ClearServices() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

// Queries returns how many Browse and Lookup calls were made.
func (m *MockMDNSResolver) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

func (m *MockMDNSResolver) match(service, instance string) []*zeroconf.ServiceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	var out []*zeroconf.ServiceEntry
	for _, e := range m.entries {
		if e.Service == service && (instance == "" || e.Instance == instance) {
			out = append(out, e)
		}
	}
	return out
}

func send(ctx context.Context, entries []*zeroconf.ServiceEntry, ch chan<- *zeroconf.ServiceEntry) error {
	for _, e := range entries {
		select {
		case ch <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Browse implements MDNSResolver.
func (m *MockMDNSResolver) Browse(ctx context.Context, service, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	return send(ctx, m.match(service, ""), entries)
}

// Lookup implements MDNSResolver.
func (m *MockMDNSResolver) Lookup(ctx context.Context, instance, service, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	found := m.match(service, instance)
	if len(found) > 1 {
		found = found[:1]
	}
	return send(ctx, found, entries)
}

// MockServerEntry builds a _coap._udp entry announcing resources.
func MockServerEntry(instanceName string, port int, ip net.IP, resources ...string) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instanceName,
			Service:  ServiceCoAP,
			Domain:   DefaultDomain,
		},
		HostName: instanceName + ".local.",
		Port:     port,
		Text:     ServerTXT{Resources: resources}.Encode(),
	}
	if ip.To4() != nil {
		entry.AddrIPv4 = []net.IP{ip}
	} else {
		entry.AddrIPv6 = []net.IP{ip}
	}
	return entry
}
