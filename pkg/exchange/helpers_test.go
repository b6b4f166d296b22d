package exchange

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

var (
	testLocal  = transport.NewPeerAddress(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683})
	testRemote = transport.NewPeerAddress(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5684})
	testOther  = transport.NewPeerAddress(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5685})
)

// fastParams returns millisecond-scale parameters with a deterministic
// initial timeout of ackTimeout+1ms.
func fastParams(ackTimeout time.Duration, maxRetransmit int) TransmissionParameters {
	return TransmissionParameters{
		AckTimeout:      ackTimeout,
		AckRandomFactor: 1,
		MaxRetransmit:   maxRetransmit,
		NStart:          1,
		MaxLatency:      10 * ackTimeout,
	}
}

type sentDatagram struct {
	local, peer transport.PeerAddress
	msg         *message.Message
	at          time.Time
}

// recordingSender captures outbound datagrams instead of writing them.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentDatagram
	ch   chan sentDatagram
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan sentDatagram, 64)}
}

func (s *recordingSender) SendFrom(local transport.PeerAddress, data []byte, peer transport.PeerAddress) error {
	msg, err := message.Unmarshal(data)
	if err != nil {
		return err
	}
	d := sentDatagram{local: local, peer: peer, msg: msg, at: time.Now()}
	s.mu.Lock()
	s.sent = append(s.sent, d)
	s.mu.Unlock()
	select {
	case s.ch <- d:
	default:
	}
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSender) all() []sentDatagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentDatagram(nil), s.sent...)
}

// next waits for the next outbound datagram.
func (s *recordingSender) next(t *testing.T) sentDatagram {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound datagram")
		return sentDatagram{}
	}
}

// deliver feeds msg to m as if it arrived from src on local endpoint dst.
func deliver(t *testing.T, m *Messaging, src, dst transport.PeerAddress, msg *message.Message) {
	t.Helper()
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	m.HandleDatagram(&transport.ReceivedMessage{Data: data, PeerAddr: src, LocalAddr: dst})
}

func deliverRaw(m *Messaging, src, dst transport.PeerAddress, data []byte) {
	m.HandleDatagram(&transport.ReceivedMessage{Data: data, PeerAddr: src, LocalAddr: dst})
}

func newTestMessaging(t *testing.T) (*Messaging, *recordingSender) {
	t.Helper()
	s := newRecordingSender()
	m, err := NewMessaging(MessagingConfig{Sender: s})
	if err != nil {
		t.Fatalf("NewMessaging() error = %v", err)
	}
	return m, s
}

type sendResult struct {
	resp *message.Message
	err  error
}
