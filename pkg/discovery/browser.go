package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// ResolvedService contains information about a discovered CoAP server.
type ResolvedService struct {
	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// HostName is the target host name.
	HostName string

	// Port is the service port.
	Port int

	// IPs contains the resolved IP addresses, sorted by preference.
	IPs []net.IP

	// Resources are the rt entries of the TXT record.
	Resources []string

	// Text contains the raw TXT record key-value pairs.
	Text map[string]string
}

// PreferredIP returns the most preferred IP address (first in the sorted list).
// Returns nil if no addresses are available.
func (r *ResolvedService) PreferredIP() net.IP {
	if len(r.IPs) > 0 {
		return r.IPs[0]
	}
	return nil
}

// UDPAddr returns the preferred address of the server, or nil.
func (r *ResolvedService) UDPAddr() *net.UDPAddr {
	ip := r.PreferredIP()
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: r.Port}
}

// URI returns a coap:// URI for path on the preferred address, or "".
func (r *ResolvedService) URI(path string) string {
	addr := r.UDPAddr()
	if addr == nil {
		return ""
	}
	host := net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port))
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return "coap://" + host + "/" + path
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
//
// Both methods send results to entries and return when the query is
// finished or ctx is done. They never close entries.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return forward(ctx, entries, func(ch chan *zeroconf.ServiceEntry) error {
		return z.resolver.Browse(ctx, service, domain, ch)
	})
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return forward(ctx, entries, func(ch chan *zeroconf.ServiceEntry) error {
		return z.resolver.Lookup(ctx, instance, service, domain, ch)
	})
}

// forward starts a zeroconf query on a private channel, which zeroconf
// owns and closes, and copies its results to entries until ctx is done.
func forward(ctx context.Context, entries chan<- *zeroconf.ServiceEntry, query func(chan *zeroconf.ServiceEntry) error) error {
	ch := make(chan *zeroconf.ServiceEntry)
	if err := query(ch); err != nil {
		return err
	}
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			select {
			case entries <- e:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// BrowserConfig holds configuration for the Browser.
type BrowserConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout applies when the context has no deadline.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout applies when the context has no deadline.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

// Browser discovers CoAP servers via DNS-SD.
type Browser struct {
	config   BrowserConfig
	resolver MDNSResolver
	log      logging.LeveledLogger
}

// NewBrowser creates a new Browser with the given configuration.
func NewBrowser(config BrowserConfig) (*Browser, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	b := &Browser{
		config:   config,
		resolver: resolver,
	}
	if config.LoggerFactory != nil {
		b.log = config.LoggerFactory.NewLogger("discovery")
	}
	return b, nil
}

// Browse discovers CoAP servers on the network. The returned channel is
// closed when the context is done or the browse timeout expires.
func (b *Browser) Browse(ctx context.Context) (<-chan ResolvedService, error) {
	results := make(chan ResolvedService)
	entries := make(chan *zeroconf.ServiceEntry)

	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, b.config.BrowseTimeout)
	}

	go func() {
		defer cancel()
		defer close(results)

		go func() {
			defer close(entries)
			if err := b.resolver.Browse(ctx, ServiceCoAP, DefaultDomain, entries); err != nil && b.log != nil {
				b.log.Debugf("browse %s: %v", ServiceCoAP, err)
			}
		}()

		for entry := range entries {
			if entry == nil {
				continue
			}
			svc := entryToResolvedService(entry)
			if b.log != nil {
				b.log.Tracef("found %s at %v:%d", svc.InstanceName, svc.PreferredIP(), svc.Port)
			}
			select {
			case results <- svc:
			case <-ctx.Done():
				// Drain so the browse goroutine can exit.
				for range entries {
				}
				return
			}
		}
	}()

	return results, nil
}

// BrowseAll collects every server found before the context is done or
// the browse timeout expires.
func (b *Browser) BrowseAll(ctx context.Context) ([]ResolvedService, error) {
	ch, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	var out []ResolvedService
	for svc := range ch {
		out = append(out, svc)
	}
	return out, nil
}

// Lookup looks up a specific server instance by name.
func (b *Browser) Lookup(ctx context.Context, instanceName string) (*ResolvedService, error) {
	if instanceName == "" || len(instanceName) > maxInstanceNameLength {
		return nil, ErrInvalidInstanceName
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.LookupTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 1)

	go func() {
		defer close(entries)
		b.resolver.Lookup(ctx, instanceName, ServiceCoAP, DefaultDomain, entries)
	}()

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return nil, ErrServiceNotFound
		}
		svc := entryToResolvedService(entry)
		return &svc, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// FindResource browses until a server advertising path is found.
func (b *Browser) FindResource(ctx context.Context, path string) (*ResolvedService, error) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	services, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for svc := range services {
		for _, r := range svc.Resources {
			if r == path {
				cancel()
				for range services {
				}
				return &svc, nil
			}
		}
	}
	return nil, ErrServiceNotFound
}

func entryToResolvedService(entry *zeroconf.ServiceEntry) ResolvedService {
	var allIPs []net.IP
	allIPs = append(allIPs, entry.AddrIPv6...)
	allIPs = append(allIPs, entry.AddrIPv4...)

	// TXT parse errors leave Resources empty; the raw map is still useful.
	txt, _ := ParseServerTXT(entry.Text)

	return ResolvedService{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          SortIPsByPreference(allIPs),
		Resources:    txt.Resources,
		Text:         ParseTXT(entry.Text),
	}
}
