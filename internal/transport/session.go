// Package transport owns the MQTT-over-TLS-WebSocket session lifecycle:
// connect, subscribe/unsubscribe, guarded reconnect with jittered
// exponential backoff, credential rotation, and hot-path fan-out to
// subscriber callbacks. It is the only package that talks to the
// broker; everything above it sees a Session.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/feedctl/internal/config"
	"github.com/nugget/feedctl/internal/events"
)

const topicPrefix = "proto/topic/bidofferv3/"

func topicForSymbol(symbol string) string {
	return topicPrefix + strings.ToUpper(symbol)
}

// mqttClient is the subset of *paho.Client's behavior Session depends
// on, extracted so tests can substitute a fake MQTT connection without
// a real broker or WebSocket server.
type mqttClient interface {
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Unsubscribe(ctx context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error)
	Disconnect(d *paho.Disconnect) error
}

// connectResult is what one successful connect attempt produces.
type connectResult struct {
	client mqttClient
	conn   net.Conn
}

// connectFunc performs the WebSocket dial, paho client construction,
// and MQTT CONNECT for a single attempt. Session's default is
// realConnect; session_test.go injects a fake to drive dialOnce to
// success and exercise subscription replay and epoch bookkeeping
// without a network.
type connectFunc func(ctx context.Context, url string, header http.Header, router *paho.StandardRouter, clientID string, keepAlive uint16, onDisconnect func(*paho.Disconnect), onError func(error)) (connectResult, error)

// realConnect is the production connectFunc: it dials the TLS-WebSocket
// transport and performs the real MQTT v5 handshake.
func realConnect(ctx context.Context, url string, header http.Header, router *paho.StandardRouter, clientID string, keepAlive uint16, onDisconnect func(*paho.Disconnect), onError func(error)) (connectResult, error) {
	conn, err := dialWebSocket(ctx, url, header)
	if err != nil {
		return connectResult{}, fmt.Errorf("dial websocket: %w", err)
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn:               conn,
		Router:             router,
		OnServerDisconnect: onDisconnect,
		OnClientError:      onError,
	})

	ack, err := client.Connect(ctx, &paho.Connect{
		KeepAlive:  keepAlive,
		ClientID:   clientID,
		CleanStart: true,
	})
	if err != nil {
		conn.Close()
		return connectResult{}, fmt.Errorf("mqtt connect: %w", err)
	}
	if ack.ReasonCode != 0 {
		conn.Close()
		return connectResult{}, fmt.Errorf("mqtt connect rejected: reason %d", ack.ReasonCode)
	}

	return connectResult{client: client, conn: conn}, nil
}

// Session is a single logical connection to the market-data broker. It
// owns reconnection, credential rotation, and topic fan-out; callers
// interact with it through Connect, Subscribe, Unsubscribe, Stats, and
// Shutdown. The zero value is not usable; construct with New.
type Session struct {
	cfg     config.TransportConfig
	auth    AuthClient
	logger  *slog.Logger
	bus     *events.Bus
	connect connectFunc

	registry *registry

	stateMu sync.Mutex
	state   State

	clientGeneration atomic.Int64
	epoch            atomic.Int64

	connMu sync.RWMutex
	client mqttClient
	router *paho.StandardRouter

	reconnecting     atomic.Bool
	hasConnectedOnce atomic.Bool
	shutdownCh       chan struct{}
	shutdownOnce     sync.Once

	messagesReceived     atomic.Int64
	callbackErrors       atomic.Int64
	reconnectCount       atomic.Int64
	lastConnectUnixNS    atomic.Int64
	lastDisconnectUnixNS atomic.Int64

	tokenMu        sync.Mutex
	accessToken    string
	tokenType      string
	tokenExpiresAt time.Time

	wg sync.WaitGroup
}

// New builds a Session against the given configuration and
// authentication/discovery collaborator. cfg must already have passed
// Validate.
func New(cfg config.TransportConfig, auth AuthClient, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:        cfg,
		auth:       auth,
		logger:     logger,
		connect:    realConnect,
		registry:   newRegistry(),
		state:      StateInit,
		shutdownCh: make(chan struct{}),
	}
}

// SetEventBus attaches an operational event bus. Call before Connect;
// a nil bus (the default) makes Publish calls a no-op.
func (s *Session) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

func (s *Session) publish(kind string, data map[string]any) {
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceTransport,
		Kind:      kind,
		Data:      data,
	})
}

func (s *Session) getState() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Connect performs the initial handshake. It is permitted only from
// StateInit; any other starting state returns ErrIllegalState.
// Authentication failure on this first attempt is fatal and propagated
// without retry — only later, post-connect failures are retried by the
// guarded reconnect loop.
func (s *Session) Connect(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state != StateInit {
		s.stateMu.Unlock()
		return ErrIllegalState
	}
	s.state = StateConnecting
	s.stateMu.Unlock()

	if err := s.dialOnce(ctx); err != nil {
		s.setState(StateShutdown)
		s.shutdownOnce.Do(func() { close(s.shutdownCh) })
		return fmt.Errorf("initial connect: %w", err)
	}

	s.wg.Add(1)
	go s.tokenRefreshLoop()

	return nil
}

// dialOnce performs one full connection attempt: login, endpoint
// discovery, WebSocket dial, MQTT connect, and subscription replay. A
// successful paho Connect with ReasonCode 0 is itself the CONNECTED
// promotion — paho's low-level client blocks for CONNACK, so there is
// no separate asynchronous on_connect callback to wait on here, unlike
// a threaded-loop MQTT client. The epoch counter is left at 0 for the
// very first successful dial and only incremented starting with the
// next one, since it marks reconnects, not the initial connection.
func (s *Session) dialOnce(ctx context.Context) error {
	login, err := s.auth.Login(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	s.tokenMu.Lock()
	s.accessToken = login.AccessToken
	s.tokenType = login.TokenType
	s.tokenExpiresAt = login.ExpiresAt
	s.tokenMu.Unlock()

	endpoint, err := s.auth.FetchEndpoint(ctx, login)
	if err != nil {
		return fmt.Errorf("fetch endpoint: %w", err)
	}
	if len(endpoint.Hosts) == 0 {
		return fmt.Errorf("fetch endpoint: no hosts returned")
	}
	host := endpoint.Hosts[0]

	url := fmt.Sprintf("wss://%s:%d/api/dispatcher/v3/%s/mqtt", host, s.cfg.Port, s.cfg.EffectiveBrokerID())
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("%s %s", login.TokenType, endpoint.MQTTToken))

	generation := s.clientGeneration.Add(1)

	router := paho.NewStandardRouter()
	for _, topic := range s.registry.topics() {
		topic := topic
		router.RegisterHandler(topic, func(p *paho.Publish) {
			s.dispatch(topic, p.Payload, generation)
		})
	}

	result, err := s.connect(ctx, url, header, router, newClientID(), uint16(s.cfg.Keepalive),
		func(d *paho.Disconnect) {
			s.handleDisconnect(generation, fmt.Errorf("server disconnect: reason %d", d.ReasonCode))
		},
		func(err error) {
			s.handleDisconnect(generation, err)
		})
	if err != nil {
		return err
	}
	client := result.client

	if topics := s.registry.topics(); len(topics) > 0 {
		subs := make([]paho.SubscribeOptions, len(topics))
		for i, topic := range topics {
			subs[i] = paho.SubscribeOptions{Topic: topic, QoS: 0}
		}
		if _, err := client.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
			if result.conn != nil {
				result.conn.Close()
			}
			return fmt.Errorf("replay subscriptions: %w", err)
		}
	}

	s.connMu.Lock()
	s.client = client
	s.router = router
	s.connMu.Unlock()

	if s.hasConnectedOnce.Swap(true) {
		s.epoch.Add(1)
	}
	s.lastConnectUnixNS.Store(time.Now().UnixNano())
	s.setState(StateConnected)
	s.logger.Info("transport connected", "host", host, "generation", generation, "topics", len(s.registry.topics()))
	s.publish(events.KindConnected, map[string]any{"host": host, "generation": generation})

	return nil
}

// handleDisconnect is invoked by paho when the live client's connection
// drops or errors. Deliveries and disconnects from a client generation
// older than the session's current one are stale and ignored, so a
// superseded client can never interleave with or tear down the
// connection that replaced it.
func (s *Session) handleDisconnect(generation int64, err error) {
	if generation != s.clientGeneration.Load() {
		return
	}
	s.lastDisconnectUnixNS.Store(time.Now().UnixNano())

	if s.getState() == StateShutdown {
		return
	}

	s.logger.Warn("transport disconnected", "generation", generation, "err", err)
	s.publish(events.KindDisconnected, map[string]any{"generation": generation, "err": err.Error()})
	s.scheduleReconnect()
}

// scheduleReconnect starts the guarded reconnect worker unless one is
// already running or the session has been shut down. Both an
// unexpected disconnect and a credential-refresh deadline funnel
// through this single entry point, so a rotation that coincides with a
// network drop never launches two competing reconnect attempts.
func (s *Session) scheduleReconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	if s.getState() == StateShutdown {
		s.reconnecting.Store(false)
		return
	}
	s.setState(StateReconnecting)
	s.publish(events.KindReconnecting, nil)

	s.wg.Add(1)
	go s.reconnectLoop()
}

// reconnectLoop retries dialOnce until it succeeds or the session shuts
// down. Backoff resets to the configured minimum at the start of every
// invocation and doubles, capped at the configured maximum, after each
// failed attempt; each wait is jittered by a uniform factor in
// [0.8, 1.2) so a herd of sessions reconnecting at once doesn't retry
// in lockstep.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()
	defer s.reconnecting.Store(false)

	delay := s.cfg.ReconnectMinDelaySeconds

	for {
		select {
		case <-s.shutdownCh:
			return
		default:
		}

		attemptCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.dialOnce(attemptCtx)
		cancel()

		if err == nil {
			s.reconnectCount.Add(1)
			return
		}

		s.logger.Warn("reconnect attempt failed", "err", err, "next_delay_seconds", delay)
		s.publish(events.KindReconnectFailed, map[string]any{"err": err.Error(), "next_delay_seconds": delay})

		jittered := delay * (0.8 + 0.4*rand.Float64())
		timer := time.NewTimer(time.Duration(jittered * float64(time.Second)))
		select {
		case <-s.shutdownCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > s.cfg.ReconnectMaxDelaySeconds {
			delay = s.cfg.ReconnectMaxDelaySeconds
		}
	}
}

// tokenRefreshLoop sleeps until shortly before the current access
// token's expiry, then requests a reconnect through the same guarded
// path as a network failure. It never mutates a live client's
// credentials directly; a credential rotation is just another reason to
// reconnect.
func (s *Session) tokenRefreshLoop() {
	defer s.wg.Done()

	refreshBefore := time.Duration(s.cfg.TokenRefreshBeforeExpSeconds) * time.Second

	for {
		s.tokenMu.Lock()
		expiresAt := s.tokenExpiresAt
		s.tokenMu.Unlock()

		wait := time.Until(expiresAt.Add(-refreshBefore))
		if wait > 60*time.Second {
			wait = 60 * time.Second
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.shutdownCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		if s.getState() == StateShutdown {
			return
		}

		s.tokenMu.Lock()
		due := !time.Now().Before(s.tokenExpiresAt.Add(-refreshBefore))
		s.tokenMu.Unlock()
		if due {
			s.logger.Info("credential refresh due, requesting reconnect")
			s.publish(events.KindCredentialRefresh, nil)
			s.scheduleReconnect()
			maxWait := time.Duration(s.cfg.ReconnectMaxDelaySeconds * float64(time.Second))
			timer := time.NewTimer(maxWait)
			select {
			case <-s.shutdownCh:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// Subscribe registers cb for symbol's topic. If the topic is new and
// the session is currently connected, it also issues a live MQTT
// SUBSCRIBE; otherwise the registration takes effect on the next
// connect or reconnect's subscription replay.
func (s *Session) Subscribe(ctx context.Context, symbol string, cb MessageCallback) error {
	if s.getState() == StateShutdown {
		return ErrIllegalState
	}

	topic := topicForSymbol(symbol)
	isNew := s.registry.add(topic, cb)
	if !isNew {
		return nil
	}
	s.publish(events.KindSubscribed, map[string]any{"topic": topic})

	if s.getState() != StateConnected {
		return nil
	}

	generation := s.clientGeneration.Load()
	s.connMu.RLock()
	client, router := s.client, s.router
	s.connMu.RUnlock()
	if router != nil {
		router.RegisterHandler(topic, func(p *paho.Publish) {
			s.dispatch(topic, p.Payload, generation)
		})
	}
	if client == nil {
		return nil
	}
	_, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	return err
}

// Unsubscribe removes symbol's topic. It is a no-op if the topic was
// never subscribed. If currently connected, it also issues a live MQTT
// UNSUBSCRIBE.
func (s *Session) Unsubscribe(ctx context.Context, symbol string) error {
	if s.getState() == StateShutdown {
		return ErrIllegalState
	}

	topic := topicForSymbol(symbol)
	existed := s.registry.remove(topic)
	if !existed {
		return nil
	}
	s.publish(events.KindUnsubscribed, map[string]any{"topic": topic})

	if s.getState() != StateConnected {
		return nil
	}

	s.connMu.RLock()
	client, router := s.client, s.router
	s.connMu.RUnlock()
	if router != nil {
		router.UnregisterHandler(topic)
	}
	if client == nil {
		return nil
	}
	_, err := client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	return err
}

// dispatch is the hot path: it rejects deliveries from a superseded
// client generation, then fans the payload out to every callback
// registered for topic, isolating each from the others' panics and
// errors.
func (s *Session) dispatch(topic string, payload []byte, generation int64) {
	if generation != s.clientGeneration.Load() {
		return
	}
	s.messagesReceived.Add(1)

	for _, cb := range s.registry.callbacksFor(topic) {
		s.invokeCallback(topic, payload, cb)
	}
}

func (s *Session) invokeCallback(topic string, payload []byte, cb MessageCallback) {
	defer func() {
		if r := recover(); r != nil {
			s.callbackErrors.Add(1)
			s.logger.Error("subscriber callback panicked", "topic", topic, "panic", r)
		}
	}()
	cb(topic, payload)
}

// Shutdown terminates the session permanently. It is idempotent and
// safe to call from any goroutine; subsequent Subscribe, Unsubscribe,
// or Connect calls return ErrIllegalState.
func (s *Session) Shutdown() {
	s.stateMu.Lock()
	if s.state == StateShutdown {
		s.stateMu.Unlock()
		return
	}
	s.state = StateShutdown
	s.stateMu.Unlock()

	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	s.connMu.RLock()
	client := s.client
	s.connMu.RUnlock()
	if client != nil {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}

	s.wg.Wait()
	s.logger.Info("transport shutdown", "messages_received", s.messagesReceived.Load(),
		"callback_errors", s.callbackErrors.Load(), "reconnect_count", s.reconnectCount.Load())
}

// Stats returns an eventually-consistent snapshot of lifetime counters
// and current state. Safe to call from any goroutine.
func (s *Session) Stats() Stats {
	state := s.getState()
	return Stats{
		State:                state.String(),
		Connected:            state == StateConnected,
		MessagesReceived:     s.messagesReceived.Load(),
		CallbackErrors:       s.callbackErrors.Load(),
		ReconnectCount:       s.reconnectCount.Load(),
		LastConnectUnixNS:    s.lastConnectUnixNS.Load(),
		LastDisconnectUnixNS: s.lastDisconnectUnixNS.Load(),
	}
}

// Epoch returns the connection epoch in effect right now: 0 until the
// first successful reconnect-with-replay, then incremented once per
// such reconnect. A decoder can stamp events with this value so a
// consumer can discard events produced under a session that has since
// been superseded.
func (s *Session) Epoch() int64 {
	return s.epoch.Load()
}

func newClientID() string {
	return "feedctl-" + uuid.Must(uuid.NewV7()).String()
}
