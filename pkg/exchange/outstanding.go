package exchange

import (
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/backkem/coap/pkg/message"
)

// FulfilledRequestEntry is the response computed for a local request.
// It is created the first time the request is answered and never
// replaced afterwards.
type FulfilledRequestEntry struct {
	Response        *message.Message
	FulfillmentTime time.Time
}

type requestState int

const (
	requestPending requestState = iota + 1
	requestFulfilled
)

// outstandingRequest is the tagged state of a seen request: Pending until
// the first correlated response is sent, Fulfilled afterwards.
type outstandingRequest struct {
	state     requestState
	fulfilled FulfilledRequestEntry
}

func (r outstandingRequest) isFulfilled() bool {
	return r.state == requestFulfilled
}

// outstandingTable tracks requests seen within EXCHANGE_LIFETIME.
//
// Entries expire lifetime after they were last written; reads do not
// extend them. Compound operations are guarded by the engine mutex.
type outstandingTable struct {
	cache *ttlcache.Cache
}

func newOutstandingTable(lifetime time.Duration) *outstandingTable {
	c := ttlcache.NewCache()
	c.SetTTL(lifetime)
	c.SkipTtlExtensionOnHit(true)
	return &outstandingTable{cache: c}
}

func (t *outstandingTable) lookup(key RequestKey) (outstandingRequest, bool) {
	v, ok := t.cache.Get(key.String())
	if !ok {
		return outstandingRequest{}, false
	}
	r, ok := v.(outstandingRequest)
	return r, ok
}

func (t *outstandingTable) register(key RequestKey) {
	t.cache.Set(key.String(), outstandingRequest{state: requestPending})
}

// fulfill records resp for a pending request. It returns false if the
// request is unknown or already fulfilled.
func (t *outstandingTable) fulfill(key RequestKey, resp *message.Message, now time.Time) bool {
	r, ok := t.lookup(key)
	if !ok || r.isFulfilled() {
		return false
	}
	t.cache.Set(key.String(), outstandingRequest{
		state: requestFulfilled,
		fulfilled: FulfilledRequestEntry{
			Response:        resp.Clone(),
			FulfillmentTime: now,
		},
	})
	return true
}

func (t *outstandingTable) remove(key RequestKey) bool {
	if _, ok := t.cache.Get(key.String()); !ok {
		return false
	}
	t.cache.Remove(key.String())
	return true
}

func (t *outstandingTable) count() int {
	return t.cache.Count()
}

func (t *outstandingTable) close() {
	t.cache.Close()
}
