package server

import (
	"net"

	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultListenAddr is used when no listener is configured.
const DefaultListenAddr = ":5683"

// DefaultCacheCapacity bounds the response cache when unset.
const DefaultCacheCapacity = 1024

// Config holds the configuration of a Server.
type Config struct {
	// Network
	ListenAddrs []string         // local addresses, default ":5683"
	Conns       []net.PacketConn // pre-bound sockets, mainly for tests

	// Reliability. Zero fields take RFC 7252 defaults.
	Params exchange.TransmissionParameters
	Random exchange.RandomSource // nil keeps the first timeout deterministic

	// Caching
	CacheCapacity int // entries, default 1024

	// Metrics. Statistics wins over Registerer; with neither, counters
	// are unregistered.
	Statistics *metrics.Statistics
	Registerer prometheus.Registerer
	Namespace  string // default "coap"

	// Discovery
	Advertise         bool
	InstanceName      string // default random
	AdvertiserFactory discovery.MDNSServerFactory

	// Callbacks
	OnStateChanged func(state State)

	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.CacheCapacity < 0 {
		return ErrInvalidCacheCapacity
	}
	p := c.Params.WithDefaults()
	return p.Validate()
}

func (c *Config) applyDefaults() {
	if len(c.ListenAddrs) == 0 && len(c.Conns) == 0 {
		c.ListenAddrs = []string{DefaultListenAddr}
	}
	if c.CacheCapacity == 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.Namespace == "" {
		c.Namespace = metrics.DefaultNamespace
	}
	c.Params = c.Params.WithDefaults()
}
