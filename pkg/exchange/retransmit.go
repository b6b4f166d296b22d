package exchange

import (
	"time"
)

// awaitingAckEntry is a confirmable response sent by the engine that has
// not been acknowledged yet.
type awaitingAckEntry struct {
	// Context is the outbound response, retransmitted unchanged.
	Context *MessageContext

	// Timeout is the current retransmission timeout.
	Timeout time.Duration

	// RetriesRemaining counts down in ShouldRetry.
	RetriesRemaining int

	timer *time.Timer
}

// Stop cancels the retransmission timer if running.
func (e *awaitingAckEntry) Stop() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// awaitingAckTable maps the expected ACK to the response awaiting it.
// It is guarded by the engine mutex.
type awaitingAckTable struct {
	entries map[AckKey]*awaitingAckEntry
}

func newAwaitingAckTable() *awaitingAckTable {
	return &awaitingAckTable{entries: make(map[AckKey]*awaitingAckEntry)}
}

// add tracks mc and arms its first retransmission. An existing entry for
// the same key is replaced.
func (t *awaitingAckTable) add(key AckKey, mc *MessageContext, timeout time.Duration, retries int, onTimeout func(AckKey)) {
	if old, ok := t.entries[key]; ok {
		old.Stop()
	}
	e := &awaitingAckEntry{
		Context:          mc,
		Timeout:          timeout,
		RetriesRemaining: retries,
	}
	e.timer = time.AfterFunc(timeout, func() { onTimeout(key) })
	t.entries[key] = e
}

func (t *awaitingAckTable) get(key AckKey) (*awaitingAckEntry, bool) {
	e, ok := t.entries[key]
	return e, ok
}

// reschedule applies ShouldRetry to the entry. It returns false and drops
// the entry once retries are exhausted.
func (t *awaitingAckTable) reschedule(key AckKey, onTimeout func(AckKey)) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	if !ShouldRetry(&e.RetriesRemaining, &e.Timeout) {
		e.Stop()
		delete(t.entries, key)
		return false
	}
	e.Stop()
	e.timer = time.AfterFunc(e.Timeout, func() { onTimeout(key) })
	return true
}

// remove stops and drops the entry for key, returning it if present.
func (t *awaitingAckTable) remove(key AckKey) *awaitingAckEntry {
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	e.Stop()
	delete(t.entries, key)
	return e
}

func (t *awaitingAckTable) count() int {
	return len(t.entries)
}

// clear stops every timer. Used for shutdown.
func (t *awaitingAckTable) clear() {
	for key, e := range t.entries {
		e.Stop()
		delete(t.entries, key)
	}
}
