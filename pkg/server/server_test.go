package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/resource"
	"github.com/backkem/coap/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

// testParams keeps retransmission fast enough for loopback tests.
func testParams() exchange.TransmissionParameters {
	return exchange.TransmissionParameters{
		AckTimeout:      50 * time.Millisecond,
		AckRandomFactor: 1,
		MaxRetransmit:   3,
		NStart:          1,
		MaxLatency:      500 * time.Millisecond,
	}
}

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		ListenAddrs: []string{"127.0.0.1:0"},
		Params:      testParams(),
		Statistics:  metrics.NewUnregistered(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func start(t *testing.T, s *Server) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

// uri returns a coap:// URI for path on the server's first listener.
func uri(s *Server, path string) string {
	return "coap://" + s.LocalAddresses()[0].String() + "/" + path
}

// testClient is a client engine on its own loopback socket.
type testClient struct {
	*exchange.ClientEngine
	manager *transport.Manager
	stats   *metrics.Statistics
}

func newTestClient(t *testing.T, s *Server) *testClient {
	t.Helper()
	var messaging *exchange.Messaging
	manager, err := transport.NewManager(transport.ManagerConfig{
		ListenAddrs:    []string{"127.0.0.1:0"},
		MessageHandler: func(rm *transport.ReceivedMessage) { messaging.HandleDatagram(rm) },
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	messaging, err = exchange.NewMessaging(exchange.MessagingConfig{Sender: manager})
	if err != nil {
		t.Fatalf("NewMessaging() error = %v", err)
	}
	stats := metrics.NewUnregistered()
	client, err := exchange.NewClientEngine(exchange.ClientConfig{
		Messaging:  messaging,
		Remote:     s.LocalAddresses()[0],
		Params:     testParams(),
		Statistics: stats,
	})
	if err != nil {
		t.Fatalf("NewClientEngine() error = %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("manager.Start() error = %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		manager.Stop()
	})
	return &testClient{ClientEngine: client, manager: manager, stats: stats}
}

func (c *testClient) do(t *testing.T, msg *message.Message) *message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := c.NewContext(msg)
	resp, err := c.SendReceive(ctx, req)
	if err != nil {
		t.Fatalf("SendReceive(%v) error = %v", msg, err)
	}
	if resp == nil {
		t.Fatalf("SendReceive(%v) gave no response, code %v", msg, req.ResponseCode)
	}
	return resp
}

func get(path string) *message.Message {
	return message.NewRequest(message.Confirmable, codes.GET, path)
}

func withPayload(m *message.Message, payload string) *message.Message {
	c := m.Clone()
	c.Payload = []byte(payload)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{CacheCapacity: -1}); err != ErrInvalidCacheCapacity {
		t.Errorf("New() error = %v, want %v", err, ErrInvalidCacheCapacity)
	}
	_, err := New(Config{Params: exchange.TransmissionParameters{AckRandomFactor: 0.5}})
	if !errors.Is(err, exchange.ErrInvalidParameters) {
		t.Errorf("New() error = %v, want %v", err, exchange.ErrInvalidParameters)
	}
}

func TestServerEcho(t *testing.T) {
	s := newTestServer(t, nil)
	if err := s.AddProvider("/echo", &resource.EchoProvider{}); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}
	start(t, s)
	c := newTestClient(t, s)

	req := withPayload(get("echo"), "hello")
	req.MessageID = 7
	req.Token = []byte("T")

	resp := c.do(t, req)
	if !resp.IsPiggyBackedResponse() {
		t.Errorf("response %v is not piggy-backed", resp)
	}
	if resp.MessageID != 7 || !bytes.Equal(resp.Token, []byte("T")) {
		t.Errorf("response MID %d token %q, want 7 T", resp.MessageID, resp.Token)
	}
	if resp.Code != codes.Content || string(resp.Payload) != "hello" {
		t.Errorf("response = %v %q, want 2.05 hello", resp.Code, resp.Payload)
	}
	if got := testutil.ToFloat64(c.stats.RequestsRetransmissions); got != 0 {
		t.Errorf("retransmissions = %v, want 0", got)
	}
}

func TestServerResponseCodes(t *testing.T) {
	s := newTestServer(t, nil)
	s.AddProvider("fixed", resource.NewStaticProvider([]byte("v1"), true, 0))
	start(t, s)
	c := newTestClient(t, s)

	tests := []struct {
		name string
		msg  *message.Message
		want codes.Code
	}{
		{"not found", get("missing"), codes.NotFound},
		{"read-only", message.NewRequest(message.Confirmable, codes.PUT, "fixed"), codes.MethodNotAllowed},
		{"get", get("fixed"), codes.Content},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if resp := c.do(t, tc.msg); resp.Code != tc.want {
				t.Errorf("Code = %v, want %v", resp.Code, tc.want)
			}
		})
	}
}

func TestServerConditionalGet(t *testing.T) {
	s := newTestServer(t, nil)
	s.AddProvider("value", resource.NewStaticProvider([]byte("v1"), false, 0))
	s.AddProvider("echo", &resource.EchoProvider{})
	start(t, s)
	c := newTestClient(t, s)

	first := c.do(t, get("value"))
	etag := first.ETag()
	if !bytes.Equal(etag, resource.ETag([]byte("v1"))) {
		t.Fatalf("ETag = %x, want %x", etag, resource.ETag([]byte("v1")))
	}

	second := c.do(t, get("value").WithETag(etag))
	if second.Code != codes.Valid || len(second.Payload) != 0 {
		t.Errorf("conditional GET = %v %q, want 2.03 with no payload", second.Code, second.Payload)
	}

	// Providers without an ETag get one derived from the payload.
	echo := c.do(t, get("echo").WithQuery("x=1"))
	if !bytes.Equal(echo.ETag(), resource.ETag([]byte("x=1"))) {
		t.Errorf("echo ETag = %x, want derived tag", echo.ETag())
	}
}

func TestServerDelayedProvider(t *testing.T) {
	s := newTestServer(t, nil)
	s.AddProvider("slow", &resource.EchoProvider{Delayed: true})
	start(t, s)
	c := newTestClient(t, s)

	resp := c.do(t, withPayload(get("slow"), "later"))
	if !resp.IsConfirmable() || resp.Code != codes.Content {
		t.Fatalf("response = %v, want CON 2.05 separate response", resp)
	}
	if string(resp.Payload) != "later" {
		t.Errorf("payload = %q, want later", resp.Payload)
	}
	if got := testutil.ToFloat64(c.stats.AcksReceived); got != 1 {
		t.Errorf("client AcksReceived = %v, want 1", got)
	}
	waitFor(t, "separate response acknowledged", func() bool {
		return s.Engine().AwaitingAckCount() == 0
	})
	if got := testutil.ToFloat64(s.Statistics().DelayedResponsesSent); got != 1 {
		t.Errorf("server DelayedResponsesSent = %v, want 1", got)
	}
}

func TestServerNonConfirmableRequest(t *testing.T) {
	s := newTestServer(t, nil)
	s.AddProvider("echo", &resource.EchoProvider{})
	start(t, s)
	c := newTestClient(t, s)

	msg := message.NewRequest(message.NonConfirmable, codes.POST, "echo")
	msg.Payload = []byte("n")
	resp := c.do(t, msg)
	if !resp.IsNonConfirmable() || string(resp.Payload) != "n" {
		t.Errorf("response = %v %q, want NON with payload n", resp, resp.Payload)
	}
}

func TestServerProxy(t *testing.T) {
	origin := newTestServer(t, nil)
	temp := resource.NewStaticProvider([]byte("22C"), false, 30)
	origin.AddProvider("temp", temp)
	start(t, origin)

	proxy := newTestServer(t, nil)
	p, err := proxy.AddProxy(uri(origin, "temp"), ProxyOptions{})
	if err != nil {
		t.Fatalf("AddProxy() error = %v", err)
	}
	if !p.Origin().Equal(origin.LocalAddresses()[0]) {
		t.Errorf("Origin() = %v, want %v", p.Origin(), origin.LocalAddresses()[0])
	}
	if got := proxy.Registry().Paths(); !reflect.DeepEqual(got, []string{"proxy/temp", "temp"}) {
		t.Errorf("Paths() = %v, want [proxy/temp temp]", got)
	}
	if eps := proxy.Engine().ProxyEndpoints(); len(eps) != 1 || !eps[0].Equal(origin.LocalAddresses()[0]) {
		t.Errorf("ProxyEndpoints() = %v", eps)
	}
	start(t, proxy)
	c := newTestClient(t, proxy)

	originRequests := func() float64 {
		return testutil.ToFloat64(origin.Statistics().RequestsReceived)
	}

	for _, path := range []string{"temp", "temp", "proxy/temp"} {
		resp := c.do(t, get(path))
		if resp.Code != codes.Content || string(resp.Payload) != "22C" {
			t.Fatalf("GET /%s = %v %q, want 2.05 22C", path, resp.Code, resp.Payload)
		}
	}
	if got := originRequests(); got != 1 {
		t.Errorf("origin requests = %v, want 1 (cached)", got)
	}
	if got := testutil.ToFloat64(proxy.Statistics().CacheHits); got != 2 {
		t.Errorf("proxy CacheHits = %v, want 2", got)
	}

	put := message.NewRequest(message.Confirmable, codes.PUT, "temp")
	put.Payload = []byte("30C")
	if resp := c.do(t, put); resp.Code != codes.Changed {
		t.Fatalf("PUT = %v, want 2.04", resp.Code)
	}
	if string(temp.Value()) != "30C" {
		t.Errorf("origin value = %q, want 30C", temp.Value())
	}
	if proxy.Cache().Len() != 0 {
		t.Errorf("cache Len() = %d after PUT, want 0", proxy.Cache().Len())
	}

	if resp := c.do(t, get("temp")); string(resp.Payload) != "30C" {
		t.Errorf("GET after PUT = %q, want 30C", resp.Payload)
	}
	if got := originRequests(); got != 3 {
		t.Errorf("origin requests = %v, want 3", got)
	}
}

func TestServerProxyAlwaysDelayed(t *testing.T) {
	origin := newTestServer(t, nil)
	origin.AddProvider("temp", resource.NewStaticProvider([]byte("22C"), true, 30))
	start(t, origin)

	proxy := newTestServer(t, nil)
	if _, err := proxy.AddProxy(uri(origin, "temp"), ProxyOptions{AlwaysDelayed: true}); err != nil {
		t.Fatalf("AddProxy() error = %v", err)
	}
	start(t, proxy)
	c := newTestClient(t, proxy)

	for i := 0; i < 2; i++ {
		resp := c.do(t, get("temp"))
		if !resp.IsConfirmable() || string(resp.Payload) != "22C" {
			t.Fatalf("GET = %v %q, want CON separate response 22C", resp, resp.Payload)
		}
	}
	if got := testutil.ToFloat64(origin.Statistics().RequestsReceived); got != 2 {
		t.Errorf("origin requests = %v, want 2", got)
	}
}

func TestServerProxyUpstreamTimeout(t *testing.T) {
	// A socket that never answers.
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer silent.Close()

	proxy := newTestServer(t, func(cfg *Config) {
		cfg.Params.AckTimeout = 10 * time.Millisecond
		cfg.Params.MaxRetransmit = 1
	})
	if _, err := proxy.AddProxy("coap://"+silent.LocalAddr().String()+"/x", ProxyOptions{}); err != nil {
		t.Fatalf("AddProxy() error = %v", err)
	}
	start(t, proxy)
	c := newTestClient(t, proxy)

	if resp := c.do(t, get("x")); resp.Code != codes.GatewayTimeout {
		t.Errorf("Code = %v, want %v", resp.Code, codes.GatewayTimeout)
	}
}

func TestAddProviderErrors(t *testing.T) {
	s := newTestServer(t, nil)
	s.AddProvider("a", &resource.EchoProvider{})

	if err := s.AddProvider("a", &resource.EchoProvider{}); !errors.Is(err, resource.ErrDuplicatePath) {
		t.Errorf("duplicate AddProvider() error = %v, want %v", err, resource.ErrDuplicatePath)
	}
	if err := s.AddProvider("http://example.com/a", &resource.EchoProvider{}); !errors.Is(err, ErrInvalidURI) {
		t.Errorf("http AddProvider() error = %v, want %v", err, ErrInvalidURI)
	}
	if _, err := s.AddProxy("/local", ProxyOptions{}); !errors.Is(err, ErrInvalidURI) {
		t.Errorf("AddProxy(/local) error = %v, want %v", err, ErrInvalidURI)
	}

	// A clash on the proxy alias leaves nothing behind.
	s.AddProvider("proxy/b", &resource.EchoProvider{})
	err := s.AddProvider("coap://127.0.0.1:9/b", &resource.EchoProvider{})
	if !errors.Is(err, resource.ErrDuplicatePath) {
		t.Fatalf("AddProvider() error = %v, want %v", err, resource.ErrDuplicatePath)
	}
	if _, ok := s.Registry().Lookup("b"); ok {
		t.Error("path b registered after failed AddProvider")
	}
	if len(s.Engine().ProxyEndpoints()) != 0 {
		t.Error("proxy endpoint registered after failed AddProvider")
	}

	if !s.RemoveProvider("a") || s.RemoveProvider("a") {
		t.Error("RemoveProvider(a) should succeed once")
	}
}

func TestOriginURIRegistersLocally(t *testing.T) {
	s := newTestServer(t, nil)
	if err := s.AddProvider(uri(s, "here"), &resource.EchoProvider{}); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}
	if got := s.Registry().Paths(); !reflect.DeepEqual(got, []string{"here"}) {
		t.Errorf("Paths() = %v, want [here]", got)
	}
	if len(s.Engine().ProxyEndpoints()) != 0 {
		t.Error("origin URI registered a proxy endpoint")
	}
}

func TestServerLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	var states []State
	s, err := New(Config{
		ListenAddrs: []string{"127.0.0.1:0"},
		Statistics:  metrics.NewUnregistered(),
		OnStateChanged: func(st State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if s.State() != StateInitialized {
		t.Errorf("State() = %v, want %v", s.State(), StateInitialized)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start() error = %v, want %v", err, ErrAlreadyStarted)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := s.Stop(); err != ErrStopped {
		t.Errorf("second Stop() error = %v, want %v", err, ErrStopped)
	}
	if err := s.Start(context.Background()); err != ErrStopped {
		t.Errorf("Start() after Stop error = %v, want %v", err, ErrStopped)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []State{StateRunning, StateStopped}; !reflect.DeepEqual(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

// recordingFactory records mDNS registrations.
type recordingFactory struct {
	mu   sync.Mutex
	txts [][]string
	port int
}

type nopServer struct{}

func (nopServer) Shutdown() {}

func (f *recordingFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (discovery.MDNSServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txts = append(f.txts, txt)
	f.port = port
	return nopServer{}, nil
}

func TestServerAdvertise(t *testing.T) {
	factory := &recordingFactory{}
	s := newTestServer(t, func(cfg *Config) {
		cfg.Advertise = true
		cfg.InstanceName = "test"
		cfg.AdvertiserFactory = factory
	})
	s.AddProvider("echo", &resource.EchoProvider{})
	start(t, s)

	if !s.Advertiser().IsAdvertising() {
		t.Fatal("server is not advertising")
	}
	s.AddProvider("value", resource.NewStaticProvider(nil, true, 0))

	factory.mu.Lock()
	defer factory.mu.Unlock()
	want := [][]string{
		{"txtvers=1", "rt=echo"},
		{"txtvers=1", "rt=echo", "rt=value"},
	}
	if !reflect.DeepEqual(factory.txts, want) {
		t.Errorf("registrations = %v, want %v", factory.txts, want)
	}
	if udp := s.LocalAddresses()[0].Addr.(*net.UDPAddr); factory.port != udp.Port {
		t.Errorf("advertised port = %d, want %d", factory.port, udp.Port)
	}
}
