// Package cache stores upstream responses on behalf of a caching reverse
// proxy.
//
// Entries are keyed by request identity (method, path and query) and the
// origin endpoint that produced them. An entry is fresh until the
// response's Max-Age elapses; stale entries stay in memory but are
// reported as misses until they are refreshed, evicted or pushed out by
// the capacity bound.
package cache

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/transport"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pion/logging"
)

// DefaultCapacity is the number of entries kept when Config.Capacity is zero.
const DefaultCapacity = 1024

// ErrInvalidCapacity is returned for a negative capacity.
var ErrInvalidCapacity = errors.New("cache: capacity must be positive")

// Entry is a cached response.
type Entry struct {
	Response       *message.Message
	ETag           []byte
	OriginEndpoint transport.PeerAddress
	ExpiresAt      time.Time
}

// Fresh reports whether the entry has not expired at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// MaxAge returns the remaining freshness lifetime at now, rounded down to
// whole seconds as the Max-Age option carries it.
func (e Entry) MaxAge(now time.Time) uint32 {
	d := e.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Second)
}

// Config configures a ResourceCache.
type Config struct {
	// Capacity bounds the number of entries. Least recently used entries
	// are dropped first. Defaults to DefaultCapacity.
	Capacity int

	// Statistics receives CacheHits and CacheMisses. If nil, counters are
	// kept unregistered.
	Statistics *metrics.Statistics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// ResourceCache is a bounded map from (request identity, origin) to the
// latest response seen for it.
//
// Thread-safe for concurrent access.
type ResourceCache struct {
	mu      sync.Mutex
	entries *simplelru.LRU

	stats *metrics.Statistics
	now   func() time.Time
	log   logging.LeveledLogger
}

// New creates a ResourceCache.
func New(config Config) (*ResourceCache, error) {
	if config.Capacity < 0 {
		return nil, ErrInvalidCapacity
	}
	if config.Capacity == 0 {
		config.Capacity = DefaultCapacity
	}

	c := &ResourceCache{
		stats: config.Statistics,
		now:   config.Now,
	}
	if c.stats == nil {
		c.stats = metrics.NewUnregistered()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("coap-cache")
	}

	entries, err := simplelru.NewLRU(config.Capacity, c.onEvicted)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

func (c *ResourceCache) onEvicted(key, _ interface{}) {
	if c.log != nil {
		c.log.Tracef("dropped %v", key)
	}
}

// Key returns the cache key of req for origin: method, path, query and
// origin endpoint.
func Key(req *message.Message, origin transport.PeerAddress) string {
	var b strings.Builder
	b.WriteString(req.Code.String())
	b.WriteByte(' ')
	b.WriteByte('/')
	b.WriteString(req.Path())
	if q := req.Query(); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	b.WriteString(" @")
	b.WriteString(origin.Key())
	return b.String()
}

// TryGetValue returns the fresh entry for req at origin. A stale entry is
// a miss and is left in place.
func (c *ResourceCache) TryGetValue(req *message.Message, origin transport.PeerAddress) (Entry, bool) {
	key := Key(req, origin)

	c.mu.Lock()
	v, ok := c.entries.Get(key)
	c.mu.Unlock()

	if ok {
		e := v.(Entry)
		if e.Fresh(c.now()) {
			c.stats.CacheHits.Inc()
			if c.log != nil {
				c.log.Debugf("hit %s", key)
			}
			return e, true
		}
		if c.log != nil {
			c.log.Debugf("stale %s, expired %v", key, e.ExpiresAt)
		}
	}

	c.stats.CacheMisses.Inc()
	return Entry{}, false
}

// Refresh stores resp as the entry for req at origin, replacing any
// previous one. Its lifetime is the response's Max-Age (60 s if absent).
func (c *ResourceCache) Refresh(req, resp *message.Message, origin transport.PeerAddress) Entry {
	key := Key(req, origin)
	e := Entry{
		Response:       resp.Clone(),
		ETag:           resp.ETag(),
		OriginEndpoint: origin,
		ExpiresAt:      c.now().Add(resp.MaxAge()),
	}

	c.mu.Lock()
	c.entries.Add(key, e)
	c.mu.Unlock()

	if c.log != nil {
		c.log.Debugf("refreshed %s until %v", key, e.ExpiresAt)
	}
	return e
}

// Evict removes the entry for req at origin. It reports whether one was
// present.
func (c *ResourceCache) Evict(req *message.Message, origin transport.PeerAddress) bool {
	key := Key(req, origin)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.entries.Contains(key) {
		return false
	}
	c.entries.Remove(key)
	return true
}

// Clear drops every entry.
func (c *ResourceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Len returns the number of stored entries, stale ones included.
func (c *ResourceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
