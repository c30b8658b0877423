package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liquidityflow/liquidityflow/internal/bus"
	"github.com/liquidityflow/liquidityflow/internal/config"
	"github.com/liquidityflow/liquidityflow/internal/hub"
)

const testSecret = "test-secret"

type fakeWire struct {
	mu       sync.Mutex
	closed   bool
	controls []int
}

func (w *fakeWire) WriteJSON(interface{}) error { return nil }
func (w *fakeWire) ReadMessage() (int, []byte, error) {
	return 0, nil, websocket.ErrCloseSent
}
func (w *fakeWire) WriteControl(messageType int, _ []byte, _ time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.controls = append(w.controls, messageType)
	return nil
}
func (w *fakeWire) SetReadLimit(int64)                {}
func (w *fakeWire) SetReadDeadline(time.Time) error   { return nil }
func (w *fakeWire) SetWriteDeadline(time.Time) error  { return nil }
func (w *fakeWire) SetPongHandler(func(string) error) {}
func (w *fakeWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWire) controlCount(messageType int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.controls {
		if c == messageType {
			n++
		}
	}
	return n
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(config.BrokerConfig{
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      time.Second,
		SendBufferSize:    16,
		ReadLimit:         4096,
	}, testSecret, nil, zap.NewNop())
	t.Cleanup(b.Shutdown)
	return b
}

// nextFrame pops one queued outbound frame.
func nextFrame(t *testing.T, c *conn) serverFrame {
	t.Helper()
	select {
	case frame := <-c.send:
		return frame
	default:
		t.Fatal("no frame queued")
		return serverFrame{}
	}
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func authenticate(t *testing.T, b *Broker, c *conn) {
	t.Helper()
	token := signedToken(t, jwt.MapClaims{"userId": "u-1", "username": "alice"})
	payload, _ := json.Marshal(authPayload{Token: token})
	b.handleFrame(c, mustFrame(t, frameAuthenticate, payload))
	frame := nextFrame(t, c)
	require.Equal(t, frameAuthenticated, frame.Type)
}

func mustFrame(t *testing.T, kind frameKind, payload json.RawMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(clientFrame{Type: kind, Payload: payload})
	require.NoError(t, err)
	return raw
}

func subscribe(t *testing.T, b *Broker, c *conn, channels ...string) {
	t.Helper()
	payload, _ := json.Marshal(subscribePayload{Channels: channels})
	b.handleFrame(c, mustFrame(t, frameSubscribe, payload))
	frame := nextFrame(t, c)
	require.Equal(t, frameSubscribed, frame.Type)
}

func TestWelcomeFrame(t *testing.T) {
	b := newTestBroker(t)
	c := b.accept(&fakeWire{})

	frame := nextFrame(t, c)
	assert.Equal(t, frameWelcome, frame.Type)
	assert.Equal(t, c.id, frame.ConnectionID)
}

func TestSubscribeRequiresAuthentication(t *testing.T) {
	b := newTestBroker(t)
	c := b.accept(&fakeWire{})
	nextFrame(t, c) // welcome

	payload, _ := json.Marshal(subscribePayload{Channels: []string{"market-data"}})
	b.handleFrame(c, mustFrame(t, frameSubscribe, payload))

	frame := nextFrame(t, c)
	assert.Equal(t, frameError, frame.Type)
	assert.Equal(t, "authentication required", frame.Message)
}

func TestAuthenticateBadTokenKeepsConnectionOpen(t *testing.T) {
	b := newTestBroker(t)
	c := b.accept(&fakeWire{})
	nextFrame(t, c) // welcome

	payload, _ := json.Marshal(authPayload{Token: "garbage"})
	b.handleFrame(c, mustFrame(t, frameAuthenticate, payload))
	frame := nextFrame(t, c)
	assert.Equal(t, frameError, frame.Type)

	// The failed attempt is not fatal; a valid token still works.
	authenticate(t, b, c)
	assert.Equal(t, 1, b.Stats().TotalConnections)
}

func TestAuthenticatedFrameCarriesUser(t *testing.T) {
	b := newTestBroker(t)
	c := b.accept(&fakeWire{})
	nextFrame(t, c) // welcome

	token := signedToken(t, jwt.MapClaims{"userId": "u-9", "username": "bob"})
	payload, _ := json.Marshal(authPayload{Token: token})
	b.handleFrame(c, mustFrame(t, frameAuthenticate, payload))

	frame := nextFrame(t, c)
	require.Equal(t, frameAuthenticated, frame.Type)
	require.NotNil(t, frame.User)
	assert.Equal(t, "u-9", frame.User.UserID)
	assert.Equal(t, "bob", frame.User.Username)
}

func TestSubscribeValidation(t *testing.T) {
	b := newTestBroker(t)
	c := b.accept(&fakeWire{})
	nextFrame(t, c) // welcome
	authenticate(t, b, c)

	payload, _ := json.Marshal(subscribePayload{Channels: []string{
		"market-data:BTC-USD",
		"system-notifications:BTC-USD", // selector not allowed here
		"order-books",                  // unknown topic
		"system-notifications",
	}})
	b.handleFrame(c, mustFrame(t, frameSubscribe, payload))

	first := nextFrame(t, c)
	assert.Equal(t, frameError, first.Type)
	second := nextFrame(t, c)
	assert.Equal(t, frameError, second.Type)

	ack := nextFrame(t, c)
	require.Equal(t, frameSubscribed, ack.Type)
	assert.Equal(t, []string{"market-data:BTC-USD", "system-notifications"}, ack.Channels)
}

func TestUnsubscribeAcksRemainingSet(t *testing.T) {
	b := newTestBroker(t)
	c := b.accept(&fakeWire{})
	nextFrame(t, c)
	authenticate(t, b, c)
	subscribe(t, b, c, "market-data", "ai-recommendations:ETH-USD")

	payload, _ := json.Marshal(subscribePayload{Channels: []string{"market-data"}})
	b.handleFrame(c, mustFrame(t, frameUnsubscribe, payload))

	ack := nextFrame(t, c)
	require.Equal(t, frameUnsubscribed, ack.Type)
	assert.Equal(t, []string{"ai-recommendations:ETH-USD"}, ack.Channels)
}

func TestPingPong(t *testing.T) {
	b := newTestBroker(t)
	c := b.accept(&fakeWire{})
	nextFrame(t, c)

	b.handleFrame(c, mustFrame(t, framePing, nil))
	frame := nextFrame(t, c)
	assert.Equal(t, framePong, frame.Type)
}

func TestUnknownFrameKind(t *testing.T) {
	b := newTestBroker(t)
	c := b.accept(&fakeWire{})
	nextFrame(t, c)

	b.handleFrame(c, []byte(`{"type":"teleport"}`))
	frame := nextFrame(t, c)
	assert.Equal(t, frameError, frame.Type)
	assert.Equal(t, "unknown message type", frame.Message)
}

func TestPublishMatchesBareAndSelectorSubscribers(t *testing.T) {
	b := newTestBroker(t)

	bare := b.accept(&fakeWire{})
	nextFrame(t, bare)
	authenticate(t, b, bare)
	subscribe(t, b, bare, "market-data")

	exact := b.accept(&fakeWire{})
	nextFrame(t, exact)
	authenticate(t, b, exact)
	subscribe(t, b, exact, "market-data:BTC-USD")

	other := b.accept(&fakeWire{})
	nextFrame(t, other)
	authenticate(t, b, other)
	subscribe(t, b, other, "market-data:ETH-USD")

	idle := b.accept(&fakeWire{})
	nextFrame(t, idle)
	authenticate(t, b, idle)

	unauthed := b.accept(&fakeWire{})
	nextFrame(t, unauthed)

	reached := b.Publish("market-data", "BTC-USD", map[string]string{"symbol": "BTC-USD"})
	assert.Equal(t, 2, reached)

	for _, c := range []*conn{bare, exact} {
		frame := nextFrame(t, c)
		assert.Equal(t, frameBroadcast, frame.Type)
		assert.Equal(t, "market-data:BTC-USD", frame.Channel)
	}
}

func TestPublishBareChannelSkipsSelectorSubscribers(t *testing.T) {
	b := newTestBroker(t)

	exact := b.accept(&fakeWire{})
	nextFrame(t, exact)
	authenticate(t, b, exact)
	subscribe(t, b, exact, "market-data:BTC-USD")

	reached := b.Publish("market-data", "", map[string]string{"kind": "digest"})
	assert.Zero(t, reached, "a selector subscription does not match bare-topic frames")
}

func TestPublishDropsSlowSubscriber(t *testing.T) {
	b := New(config.BrokerConfig{
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      time.Second,
		SendBufferSize:    1,
		ReadLimit:         4096,
	}, testSecret, nil, zap.NewNop())
	t.Cleanup(b.Shutdown)

	slow := b.accept(&fakeWire{})
	// The welcome frame fills the single-slot buffer and is never drained.

	healthy := b.accept(&fakeWire{})
	nextFrame(t, healthy)
	authenticate(t, b, healthy)
	subscribe(t, b, healthy, "market-data")

	// Force a subscription directly so the broadcast targets the stuck
	// connection.
	slow.mu.Lock()
	slow.channels["market-data"] = struct{}{}
	slow.mu.Unlock()

	reached := b.Publish("market-data", "BTC-USD", "x")
	assert.Equal(t, 1, reached, "healthy subscriber still served")
	assert.Equal(t, 1, b.Stats().TotalConnections, "slow subscriber dropped")
}

func TestHeartbeatTerminatesSilentConnections(t *testing.T) {
	b := newTestBroker(t)
	w := &fakeWire{}
	c := b.accept(w)
	nextFrame(t, c)

	// First tick spends the initial liveness token and pings.
	b.heartbeatTick()
	assert.Equal(t, 1, w.controlCount(websocket.PingMessage))
	assert.Equal(t, 1, b.Stats().TotalConnections)

	// No pong arrives. The next tick terminates the connection.
	b.heartbeatTick()
	assert.Zero(t, b.Stats().TotalConnections)
	assert.True(t, w.closed)
}

func TestHeartbeatKeepsRespondingConnections(t *testing.T) {
	b := newTestBroker(t)
	w := &fakeWire{}
	c := b.accept(w)
	nextFrame(t, c)

	b.heartbeatTick()
	c.markAlive() // pong received
	b.heartbeatTick()
	assert.Equal(t, 1, b.Stats().TotalConnections)
	assert.Equal(t, 2, w.controlCount(websocket.PingMessage))
}

func TestDisconnectIdempotent(t *testing.T) {
	b := newTestBroker(t)
	c := b.accept(&fakeWire{})
	b.Disconnect(c.id)
	b.Disconnect(c.id)
	assert.Zero(t, b.Stats().TotalConnections)
}

func TestShutdownClosesAllWithGoingAway(t *testing.T) {
	b := newTestBroker(t)
	w1, w2 := &fakeWire{}, &fakeWire{}
	b.accept(w1)
	b.accept(w2)

	b.Shutdown()
	b.Shutdown()

	assert.Zero(t, b.Stats().TotalConnections)
	for _, w := range []*fakeWire{w1, w2} {
		assert.True(t, w.closed)
		assert.Equal(t, 1, w.controlCount(websocket.CloseMessage))
	}
}

func TestStats(t *testing.T) {
	b := newTestBroker(t)

	a := b.accept(&fakeWire{})
	nextFrame(t, a)
	authenticate(t, b, a)
	subscribe(t, b, a, "market-data", "system-notifications")

	anon := b.accept(&fakeWire{})
	nextFrame(t, anon)

	stats := b.Stats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.AuthenticatedConnections)
	assert.Equal(t, 1, stats.UniqueUsers)
	assert.Equal(t, 2, stats.TotalSubscriptions)
	assert.Equal(t, []string{"market-data", "system-notifications"}, stats.Channels)
}

func TestBindBusRoutesQuoteEvents(t *testing.T) {
	b := newTestBroker(t)
	memory := bus.NewMemory(nil)
	require.NoError(t, b.BindBus(context.Background(), memory))

	c := b.accept(&fakeWire{})
	nextFrame(t, c)
	authenticate(t, b, c)
	subscribe(t, b, c, "market-data:BTC-USD")

	event := map[string]interface{}{
		"quote": map[string]interface{}{"symbol": "BTC-USD", "lastPrice": 100.0},
	}
	require.NoError(t, memory.Publish(context.Background(), hub.TopicMarketData, event))

	frame := nextFrame(t, c)
	assert.Equal(t, frameBroadcast, frame.Type)
	assert.Equal(t, "market-data:BTC-USD", frame.Channel)
}
