package transport

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/feedctl/internal/config"
)

func testTransportConfig() config.TransportConfig {
	cfg := config.TransportConfig{
		AppID:     "app",
		AppSecret: "secret",
		AppCode:   "code",
		BrokerID:  "BROKER1",
		BaseURL:   "https://example.invalid",
	}
	_ = cfg.Validate()
	return cfg
}

func TestTopicForSymbolUppercasesAndPrefixes(t *testing.T) {
	cases := map[string]string{
		"aot":  "proto/topic/bidofferv3/AOT",
		"PTT":  "proto/topic/bidofferv3/PTT",
		"ScC":  "proto/topic/bidofferv3/SCC",
	}
	for in, want := range cases {
		if got := topicForSymbol(in); got != want {
			t.Errorf("topicForSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStateStringNames(t *testing.T) {
	cases := map[State]string{
		StateInit:         "INIT",
		StateConnecting:   "CONNECTING",
		StateConnected:    "CONNECTED",
		StateReconnecting: "RECONNECTING",
		StateShutdown:     "SHUTDOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

// fakeAuthClient succeeds by default; setting loginErr/endpointErr lets
// a test exercise Connect's fatal-on-initial-failure path without a
// real network dial.
type fakeAuthClient struct {
	loginErr    error
	endpointErr error
}

func (f *fakeAuthClient) Login(ctx context.Context) (LoginResult, error) {
	if f.loginErr != nil {
		return LoginResult{}, f.loginErr
	}
	return LoginResult{AccessToken: "tok", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeAuthClient) FetchEndpoint(ctx context.Context, login LoginResult) (Endpoint, error) {
	if f.endpointErr != nil {
		return Endpoint{}, f.endpointErr
	}
	return Endpoint{Hosts: []string{"broker.example.invalid"}, MQTTToken: "mqtt-tok"}, nil
}

func TestConnectFailsFatallyAndTransitionsToShutdown(t *testing.T) {
	cfgErr := errFakeEndpoint
	s := newTestSession(&fakeAuthClient{endpointErr: cfgErr})

	err := s.Connect(context.Background())
	if err == nil {
		t.Fatal("expected Connect to fail when endpoint discovery fails")
	}
	if s.getState() != StateShutdown {
		t.Errorf("state after failed initial connect = %v, want SHUTDOWN", s.getState())
	}

	select {
	case <-s.shutdownCh:
	default:
		t.Error("shutdownCh should be closed after a fatal initial connect failure")
	}
}

func TestConnectTwiceIsIllegalState(t *testing.T) {
	s := newTestSession(&fakeAuthClient{endpointErr: errFakeEndpoint})
	_ = s.Connect(context.Background())

	if err := s.Connect(context.Background()); err != ErrIllegalState {
		t.Errorf("second Connect() = %v, want ErrIllegalState", err)
	}
}

func TestSubscribeAfterShutdownIsIllegalState(t *testing.T) {
	s := newTestSession(&fakeAuthClient{endpointErr: errFakeEndpoint})
	s.setState(StateShutdown)

	err := s.Subscribe(context.Background(), "AOT", func(string, []byte) {})
	if err != ErrIllegalState {
		t.Errorf("Subscribe after shutdown = %v, want ErrIllegalState", err)
	}
}

func TestSubscribeBeforeConnectOnlyTouchesRegistry(t *testing.T) {
	s := newTestSession(&fakeAuthClient{endpointErr: errFakeEndpoint})

	if err := s.Subscribe(context.Background(), "aot", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe before connect: %v", err)
	}
	topics := s.registry.topics()
	if len(topics) != 1 || topics[0] != "proto/topic/bidofferv3/AOT" {
		t.Errorf("registry topics = %v, want exactly the AOT topic", topics)
	}
}

func TestDispatchRejectsStaleGeneration(t *testing.T) {
	s := newTestSession(&fakeAuthClient{endpointErr: errFakeEndpoint})
	s.clientGeneration.Store(5)

	called := false
	s.registry.add("proto/topic/bidofferv3/AOT", func(string, []byte) { called = true })

	s.dispatch("proto/topic/bidofferv3/AOT", []byte("x"), 4) // stale
	if called {
		t.Error("dispatch must ignore deliveries from a superseded client generation")
	}
	if s.messagesReceived.Load() != 0 {
		t.Errorf("messagesReceived = %d, want 0 for a stale-generation delivery", s.messagesReceived.Load())
	}

	s.dispatch("proto/topic/bidofferv3/AOT", []byte("x"), 5) // current
	if !called {
		t.Error("dispatch should invoke callbacks for the current generation")
	}
	if s.messagesReceived.Load() != 1 {
		t.Errorf("messagesReceived = %d, want 1", s.messagesReceived.Load())
	}
}

func TestDispatchIsolatesPanickingCallback(t *testing.T) {
	s := newTestSession(&fakeAuthClient{endpointErr: errFakeEndpoint})
	s.clientGeneration.Store(1)

	secondCalled := false
	s.registry.add("t", func(string, []byte) { panic("boom") })
	s.registry.add("t", func(string, []byte) { secondCalled = true })

	s.dispatch("t", nil, 1)

	if !secondCalled {
		t.Error("a panicking callback must not prevent later callbacks from running")
	}
	if s.callbackErrors.Load() != 1 {
		t.Errorf("callbackErrors = %d, want 1", s.callbackErrors.Load())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := newTestSession(&fakeAuthClient{endpointErr: errFakeEndpoint})
	s.Shutdown()
	s.Shutdown() // must not panic or block
	if s.getState() != StateShutdown {
		t.Errorf("state after Shutdown = %v, want SHUTDOWN", s.getState())
	}
}

func TestStatsReflectsState(t *testing.T) {
	s := newTestSession(&fakeAuthClient{endpointErr: errFakeEndpoint})
	stats := s.Stats()
	if stats.State != "INIT" || stats.Connected {
		t.Errorf("initial stats = %+v, want INIT/not-connected", stats)
	}
}

func newTestSession(auth AuthClient) *Session {
	return New(testTransportConfig(), auth, nil)
}

// fakeMQTTClient implements mqttClient so dialOnce's success path —
// replaying subscriptions and flipping to StateConnected — can be
// driven and asserted without a real broker or WebSocket server.
type fakeMQTTClient struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	subscribeErr error
}

func (f *fakeMQTTClient) Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	for _, sub := range s.Subscriptions {
		f.subscribed = append(f.subscribed, sub.Topic)
	}
	return &paho.Suback{}, nil
}

func (f *fakeMQTTClient) Unsubscribe(ctx context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, u.Topics...)
	return &paho.Unsuback{}, nil
}

func (f *fakeMQTTClient) Disconnect(d *paho.Disconnect) error {
	return nil
}

func (f *fakeMQTTClient) subscribedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string{}, f.subscribed...)
	sort.Strings(out)
	return out
}

// fakeConnectSpy is a connectFunc that succeeds immediately with a fresh
// fakeMQTTClient on every call, recording each client so a test can
// inspect what each successive connect attempt did.
type fakeConnectSpy struct {
	mu      sync.Mutex
	clients []*fakeMQTTClient
}

func (s *fakeConnectSpy) connect(ctx context.Context, url string, header http.Header, router *paho.StandardRouter, clientID string, keepAlive uint16, onDisconnect func(*paho.Disconnect), onError func(error)) (connectResult, error) {
	client := &fakeMQTTClient{}
	s.mu.Lock()
	s.clients = append(s.clients, client)
	s.mu.Unlock()
	return connectResult{client: client}, nil
}

func (s *fakeConnectSpy) client(i int) *fakeMQTTClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[i]
}

func (s *fakeConnectSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func TestInitialConnectSucceedsEpochStaysZero(t *testing.T) {
	spy := &fakeConnectSpy{}
	s := newTestSession(&fakeAuthClient{})
	s.connect = spy.connect
	defer s.Shutdown()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.getState() != StateConnected {
		t.Fatalf("state after Connect = %v, want CONNECTED", s.getState())
	}
	if got := s.Epoch(); got != 0 {
		t.Errorf("epoch after initial connect = %d, want 0", got)
	}
}

// TestReconnectReplaysSubscriptionsAndIncrementsEpoch drives spec
// scenario 6: a successful reconnect must replay every subscribed topic
// before returning, and the epoch counter must stay at 0 through the
// initial connect and only increment starting with the first reconnect.
func TestReconnectReplaysSubscriptionsAndIncrementsEpoch(t *testing.T) {
	spy := &fakeConnectSpy{}
	s := newTestSession(&fakeAuthClient{})
	s.connect = spy.connect
	defer s.Shutdown()

	if err := s.Subscribe(context.Background(), "aot", func(string, []byte) {}); err != nil {
		t.Fatalf("subscribe before connect: %v", err)
	}
	if err := s.Subscribe(context.Background(), "ptt", func(string, []byte) {}); err != nil {
		t.Fatalf("subscribe before connect: %v", err)
	}

	wantTopics := []string{"proto/topic/bidofferv3/AOT", "proto/topic/bidofferv3/PTT"}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := s.Epoch(); got != 0 {
		t.Errorf("epoch after initial connect = %d, want 0", got)
	}
	if got := spy.client(0).subscribedTopics(); !equalStrings(got, wantTopics) {
		t.Errorf("initial connect subscribe replay = %v, want %v", got, wantTopics)
	}

	// Simulate a reconnect attempt succeeding, as reconnectLoop would
	// drive it after a disconnect.
	if err := s.dialOnce(context.Background()); err != nil {
		t.Fatalf("reconnect dialOnce: %v", err)
	}
	if spy.count() != 2 {
		t.Fatalf("expected 2 connect attempts, got %d", spy.count())
	}
	if got := s.Epoch(); got != 1 {
		t.Errorf("epoch after first reconnect = %d, want 1", got)
	}
	if got := spy.client(1).subscribedTopics(); !equalStrings(got, wantTopics) {
		t.Errorf("reconnect subscribe replay = %v, want %v", got, wantTopics)
	}

	// A second reconnect increments the epoch again.
	if err := s.dialOnce(context.Background()); err != nil {
		t.Fatalf("second reconnect dialOnce: %v", err)
	}
	if got := s.Epoch(); got != 2 {
		t.Errorf("epoch after second reconnect = %d, want 2", got)
	}
}

func TestSubscribeIssuesLiveSubscribeWhenConnected(t *testing.T) {
	spy := &fakeConnectSpy{}
	s := newTestSession(&fakeAuthClient{})
	s.connect = spy.connect
	defer s.Shutdown()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Subscribe(context.Background(), "aot", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe while connected: %v", err)
	}

	got := spy.client(0).subscribedTopics()
	want := []string{"proto/topic/bidofferv3/AOT"}
	if !equalStrings(got, want) {
		t.Errorf("live subscribe = %v, want %v", got, want)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var errFakeEndpoint = fakeErr("endpoint discovery unavailable in test")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
