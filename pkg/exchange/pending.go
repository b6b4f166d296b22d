package exchange

import (
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// WaitingRecord is the wait state of one outstanding client request.
//
// It is registered before the first transmission and removed when
// SendReceive returns. The inbound path fills Response or ErrorCode and
// wakes the waiter; an empty ACK only restarts the current timeout.
type WaitingRecord struct {
	// Token and MessageID are the correlation identity of the request.
	Token     []byte
	MessageID uint16

	// Timeout is the wait period of the current attempt.
	Timeout time.Duration

	// RetriesRemaining counts down in ShouldRetry.
	RetriesRemaining int

	// Response is the matched response, Reset included.
	Response *message.Message

	// ErrorCode is set when the exchange failed without a usable response.
	ErrorCode codes.Code

	// Waiting is true while the caller is blocked on this record.
	Waiting bool

	acked bool
	wake  chan struct{}
}

type waitOutcome int

const (
	waitNone waitOutcome = iota
	waitResponse
	waitError
	waitAck
)

func newWaitingRecord(msg *message.Message, timeout time.Duration, retries int) *WaitingRecord {
	return &WaitingRecord{
		Token:            msg.Token,
		MessageID:        msg.MessageID,
		Timeout:          timeout,
		RetriesRemaining: retries,
		wake:             make(chan struct{}, 1),
	}
}

func (wr *WaitingRecord) signal() {
	select {
	case wr.wake <- struct{}{}:
	default:
	}
}

// pendingTable indexes waiting records by token and by message ID.
//
// Thread-safe for concurrent access.
type pendingTable struct {
	byToken map[string]*WaitingRecord
	byMID   map[uint16]*WaitingRecord

	mu sync.Mutex
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		byToken: make(map[string]*WaitingRecord),
		byMID:   make(map[uint16]*WaitingRecord),
	}
}

// add registers wr. Both the token and the message ID must be unused.
func (t *pendingTable) add(wr *WaitingRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byToken[string(wr.Token)]; ok {
		return ErrDuplicateRequest
	}
	if _, ok := t.byMID[wr.MessageID]; ok {
		return ErrDuplicateRequest
	}
	wr.Waiting = true
	t.byToken[string(wr.Token)] = wr
	t.byMID[wr.MessageID] = wr
	return nil
}

func (t *pendingTable) remove(wr *WaitingRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wr.Waiting = false
	if t.byToken[string(wr.Token)] == wr {
		delete(t.byToken, string(wr.Token))
	}
	if t.byMID[wr.MessageID] == wr {
		delete(t.byMID, wr.MessageID)
	}
}

func (t *pendingTable) lookupMID(mid uint16) *WaitingRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byMID[mid]
}

func (t *pendingTable) lookupToken(token []byte) *WaitingRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byToken[string(token)]
}

// deliver completes wr with resp. Only the first outcome is kept.
func (t *pendingTable) deliver(wr *WaitingRecord, resp *message.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !wr.Waiting || wr.Response != nil || wr.ErrorCode != 0 {
		return false
	}
	wr.Response = resp
	wr.signal()
	return true
}

// fail completes wr with an error code.
func (t *pendingTable) fail(wr *WaitingRecord, code codes.Code) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !wr.Waiting || wr.Response != nil || wr.ErrorCode != 0 {
		return false
	}
	wr.ErrorCode = code
	wr.signal()
	return true
}

// ack notes an empty acknowledgement so the waiter restarts its timeout.
func (t *pendingTable) ack(wr *WaitingRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !wr.Waiting {
		return
	}
	wr.acked = true
	wr.signal()
}

func (t *pendingTable) setTimeout(wr *WaitingRecord, timeout time.Duration, retries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wr.Timeout = timeout
	wr.RetriesRemaining = retries
}

// take consumes the pending wake-up reason.
func (t *pendingTable) take(wr *WaitingRecord) waitOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case wr.Response != nil:
		return waitResponse
	case wr.ErrorCode != 0:
		return waitError
	case wr.acked:
		wr.acked = false
		return waitAck
	}
	return waitNone
}

func (t *pendingTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byMID)
}
