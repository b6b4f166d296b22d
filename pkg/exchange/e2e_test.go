package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// e2eSetup wires a client on pipe side 0 to an engine on side 1.
type e2eSetup struct {
	pair    *TestPair
	client  *ClientEngine
	engine  *ProxyEngine
	factory *TestProcessorFactory
}

func newE2ESetup(t *testing.T, params TransmissionParameters) *e2eSetup {
	t.Helper()

	pair, err := NewTestPair()
	if err != nil {
		t.Fatalf("NewTestPair() error = %v", err)
	}

	f := NewTestProcessorFactory()
	engine, err := NewProxyEngine(ProxyEngineConfig{
		EngineConfig: EngineConfig{
			Messaging:  pair.Messaging(1),
			Factory:    f,
			Params:     params,
			Statistics: metrics.NewUnregistered(),
		},
		OriginEndpoints: []transport.PeerAddress{pair.Address(1)},
	})
	if err != nil {
		pair.Close()
		t.Fatalf("NewProxyEngine() error = %v", err)
	}
	f.Engine = engine
	if err := engine.Start(); err != nil {
		pair.Close()
		t.Fatalf("Start() error = %v", err)
	}

	client, err := NewClientEngine(ClientConfig{
		Messaging:  pair.Messaging(0),
		Local:      pair.Address(0),
		Remote:     pair.Address(1),
		Params:     params,
		Statistics: metrics.NewUnregistered(),
	})
	if err != nil {
		engine.Close()
		pair.Close()
		t.Fatalf("NewClientEngine() error = %v", err)
	}

	s := &e2eSetup{pair: pair, client: client, engine: engine, factory: f}
	t.Cleanup(s.close)
	return s
}

func (s *e2eSetup) close() {
	s.client.Close()
	s.engine.Close()
	s.pair.Close()
}

func TestE2EEcho(t *testing.T) {
	s := newE2ESetup(t, DefaultTransmissionParameters())

	msg := message.NewRequest(message.Confirmable, codes.GET, "/echo")
	msg.MessageID = 7
	msg.Token = []byte("T")
	msg.Payload = []byte("hello")
	req := s.client.NewContext(msg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := s.client.SendReceive(ctx, req)
	if err != nil {
		t.Fatalf("SendReceive() error = %v", err)
	}
	if resp == nil {
		t.Fatalf("SendReceive() response = nil, ResponseCode %v", req.ResponseCode)
	}
	if resp.Code != codes.Content {
		t.Errorf("Code = %v, want %v", resp.Code, codes.Content)
	}
	if !resp.IsPiggyBackedResponse() || resp.MessageID != 7 || !resp.TokenEqual([]byte("T")) {
		t.Errorf("response = %v, want piggy-backed MID 7 token T", resp)
	}
	if string(resp.Payload) != "hello" {
		t.Errorf("Payload = %q, want hello", resp.Payload)
	}

	if got := testutil.ToFloat64(s.client.stats.RequestsRetransmissions); got != 0 {
		t.Errorf("RequestsRetransmissions = %v, want 0", got)
	}
	if got := testutil.ToFloat64(s.engine.Statistics().ImmediateResponsesSent); got != 1 {
		t.Errorf("ImmediateResponsesSent = %v, want 1", got)
	}
	if s.factory.Requests() != 1 {
		t.Errorf("processor invocations = %d, want 1", s.factory.Requests())
	}
}

func TestE2ENonConfirmable(t *testing.T) {
	s := newE2ESetup(t, DefaultTransmissionParameters())

	req := s.client.NewContext(message.NewRequest(message.NonConfirmable, codes.GET, "/n"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := s.client.SendReceive(ctx, req)
	if err != nil || resp == nil {
		t.Fatalf("SendReceive() = (%v, %v), want response", resp, err)
	}
	if !resp.IsNonConfirmable() || resp.Code != codes.Content {
		t.Errorf("response = %v, want NON 2.05", resp)
	}
}

func TestE2EDuplicatedNetwork(t *testing.T) {
	s := newE2ESetup(t, DefaultTransmissionParameters())
	s.pair.Link().SetCondition(transport.LinkCondition{DuplicateRate: 1})

	for i := 0; i < 3; i++ {
		req := s.client.NewContext(message.NewRequest(message.Confirmable, codes.PUT, "/d"))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		resp, err := s.client.SendReceive(ctx, req)
		cancel()
		if err != nil || resp == nil {
			t.Fatalf("SendReceive() #%d = (%v, %v), want response", i, resp, err)
		}
	}

	// Every request arrived twice but was processed once.
	if s.factory.Requests() != 3 {
		t.Errorf("processor invocations = %d, want 3", s.factory.Requests())
	}
	waitFor(t, "duplicates to be replayed", func() bool {
		return testutil.ToFloat64(s.engine.Statistics().ResponsesReplayed) == 3
	})
}

func TestE2ERetransmissionRecoversFromLoss(t *testing.T) {
	s := newE2ESetup(t, fastParams(30*time.Millisecond, 4))
	s.pair.Link().SetCondition(transport.LinkCondition{DropRate: 1})

	req := s.client.NewContext(message.NewRequest(message.Confirmable, codes.GET, "/lossy"))
	result := sendAsync(s.client, req)

	// Let the first transmission vanish, then heal the link.
	time.Sleep(15 * time.Millisecond)
	s.pair.Link().SetCondition(transport.LinkCondition{})

	r := waitResult(t, result)
	if r.err != nil || r.resp == nil {
		t.Fatalf("SendReceive() = (%v, %v), ResponseCode %v; want response", r.resp, r.err, req.ResponseCode)
	}
	if got := testutil.ToFloat64(s.client.stats.RequestsRetransmissions); got < 1 {
		t.Errorf("RequestsRetransmissions = %v, want >= 1", got)
	}
}

func TestE2ELostResponseIsReplayed(t *testing.T) {
	s := newE2ESetup(t, fastParams(30*time.Millisecond, 4))

	// Lose the first ACK the engine sends; the retransmitted request must
	// be answered from the stored response, not processed again.
	var once sync.Once
	s.pair.Link().SetCondition(transport.LinkCondition{
		Drop: func(from int, data []byte) bool {
			h, err := message.DecodeHeader(data)
			if from != 1 || err != nil || h.Type != message.Acknowledgement {
				return false
			}
			dropped := false
			once.Do(func() { dropped = true })
			return dropped
		},
	})

	msg := message.NewRequest(message.Confirmable, codes.POST, "/once")
	msg.Payload = []byte("x")
	req := s.client.NewContext(msg)
	r := waitResult(t, sendAsync(s.client, req))
	if r.err != nil || r.resp == nil {
		t.Fatalf("SendReceive() = (%v, %v), ResponseCode %v; want response", r.resp, r.err, req.ResponseCode)
	}
	if string(r.resp.Payload) != "x" {
		t.Errorf("Payload = %q, want x", r.resp.Payload)
	}

	if s.factory.Requests() != 1 {
		t.Errorf("processor invocations = %d, want 1", s.factory.Requests())
	}
	waitFor(t, "the stored response to be replayed", func() bool {
		return testutil.ToFloat64(s.engine.Statistics().ResponsesReplayed) == 1
	})
	if got := s.pair.Link().Stats().Dropped; got != 1 {
		t.Errorf("link Dropped = %d, want 1", got)
	}
}
