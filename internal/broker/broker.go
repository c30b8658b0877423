package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liquidityflow/liquidityflow/internal/config"
	"github.com/liquidityflow/liquidityflow/internal/hub"
	apperrors "github.com/liquidityflow/liquidityflow/pkg/errors"
	"github.com/liquidityflow/liquidityflow/pkg/metrics"
)

// Subscriber is the bus surface the broker bridges from.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func([]byte)) error
}

// Broker is the websocket subscription broker: it owns the connection
// registry, the frame protocol, heartbeats and fan-out.
type Broker struct {
	cfg    config.BrokerConfig
	secret []byte
	logger *zap.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn

	heartbeat hub.Handle

	shutdownOnce sync.Once
	now          func() time.Time
}

// New creates a broker and arms its heartbeat on the scheduler.
func New(cfg config.BrokerConfig, jwtSecret string, sched hub.Scheduler, logger *zap.Logger) *Broker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4096
	}

	b := &Broker{
		cfg:    cfg,
		secret: []byte(jwtSecret),
		logger: logger.Named("broker"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
		now:   time.Now,
	}
	if sched != nil {
		b.heartbeat = sched.Every(cfg.HeartbeatInterval, b.heartbeatTick)
	}
	return b
}

// ServeWS upgrades an HTTP request and runs the connection until it closes.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := b.accept(ws)
	go b.writePump(c)
	go b.readPump(c)
}

// accept registers a connection and greets it.
func (b *Broker) accept(w wire) *conn {
	c := newConn(uuid.NewString(), w, b.cfg.SendBufferSize)

	b.mu.Lock()
	b.conns[c.id] = c
	total := len(b.conns)
	b.mu.Unlock()

	metrics.ActiveConnections.Set(float64(total))
	b.logger.Info("connection established", zap.String("conn", c.id))

	c.enqueue(serverFrame{
		Type:         frameWelcome,
		ConnectionID: c.id,
		Timestamp:    b.now(),
	})
	return c
}

// readPump decodes inbound frames and dispatches them through the handler
// table until the connection dies.
func (b *Broker) readPump(c *conn) {
	defer b.Disconnect(c.id)

	c.wire.SetReadLimit(b.cfg.ReadLimit)
	deadline := 2 * b.cfg.HeartbeatInterval
	c.wire.SetReadDeadline(b.now().Add(deadline))
	c.wire.SetPongHandler(func(string) error {
		c.wire.SetReadDeadline(b.now().Add(deadline))
		c.markAlive()
		return nil
	})

	for {
		_, raw, err := c.wire.ReadMessage()
		if err != nil {
			return
		}
		b.handleFrame(c, raw)
	}
}

// handleFrame dispatches one client frame.
func (b *Broker) handleFrame(c *conn, raw []byte) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.sendError(c, "invalid message format")
		return
	}
	handler, ok := frameHandlers[frame.Type]
	if !ok {
		b.logger.Warn("unknown frame type",
			zap.String("conn", c.id), zap.String("type", string(frame.Type)))
		b.sendError(c, "unknown message type")
		return
	}
	handler(b, c, frame.Payload)
}

func (b *Broker) handleAuthenticate(c *conn, payload json.RawMessage) {
	var p authPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			b.sendError(c, "invalid authenticate payload")
			return
		}
	}
	user, err := b.verifyToken(p.Token)
	if err != nil {
		b.logger.Warn("authentication failed",
			zap.String("conn", c.id), zap.Error(err))
		b.sendError(c, "authentication failed")
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.user = user
	c.mu.Unlock()

	b.logger.Info("subscriber authenticated",
		zap.String("conn", c.id), zap.String("user", user.Username))
	c.enqueue(serverFrame{
		Type:      frameAuthenticated,
		User:      &user,
		Timestamp: b.now(),
	})
}

// verifyToken checks an externally issued HMAC token and extracts the
// subscriber identity claims.
func (b *Broker) verifyToken(token string) (userInfo, error) {
	if token == "" {
		return userInfo{}, apperrors.Authenticationf("token required")
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return b.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return userInfo{}, apperrors.Authenticationf("invalid token: %v", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return userInfo{}, apperrors.Authenticationf("unexpected claims")
	}
	userID, _ := claims["userId"].(string)
	username, _ := claims["username"].(string)
	if userID == "" {
		return userInfo{}, apperrors.Authenticationf("token missing userId")
	}
	return userInfo{UserID: userID, Username: username}, nil
}

func (b *Broker) handleSubscribe(c *conn, payload json.RawMessage) {
	b.changeSubscriptions(c, payload, true)
}

func (b *Broker) handleUnsubscribe(c *conn, payload json.RawMessage) {
	b.changeSubscriptions(c, payload, false)
}

func (b *Broker) changeSubscriptions(c *conn, payload json.RawMessage, add bool) {
	if _, ok := c.identity(); !ok {
		b.sendError(c, "authentication required")
		return
	}
	var p subscribePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Channels == nil {
		b.sendError(c, "channels must be an array")
		return
	}

	for _, channel := range p.Channels {
		if add && !validChannel(channel) {
			b.sendError(c, "invalid channel: "+channel)
			continue
		}
		c.mu.Lock()
		if add {
			c.channels[channel] = struct{}{}
		} else {
			delete(c.channels, channel)
		}
		c.mu.Unlock()
	}

	ackType := frameSubscribed
	if !add {
		ackType = frameUnsubscribed
	}
	channels := c.channelList()
	sort.Strings(channels)
	c.enqueue(serverFrame{
		Type:      ackType,
		Channels:  channels,
		Timestamp: b.now(),
	})
}

func (b *Broker) handlePing(c *conn, _ json.RawMessage) {
	c.enqueue(serverFrame{Type: framePong, Timestamp: b.now()})
}

func (b *Broker) sendError(c *conn, message string) {
	c.enqueue(serverFrame{
		Type:      frameError,
		Message:   message,
		Timestamp: b.now(),
	})
}

// Publish fans a payload out to every connection subscribed to the exact
// channel or to its bare topic. It returns the number of connections
// reached; a refused send drops that connection and the broadcast goes on.
func (b *Broker) Publish(topic, selector string, payload interface{}) int {
	channel := hub.Channel(topic, selector)
	frame := serverFrame{
		Type:      frameBroadcast,
		Channel:   channel,
		Data:      payload,
		Timestamp: b.now(),
	}

	b.mu.RLock()
	targets := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		if c.subscribedTo(topic, channel) {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	reached := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			reached++
			continue
		}
		metrics.BroadcastFailures.Inc()
		b.logger.Warn("dropping slow subscriber",
			zap.String("conn", c.id), zap.String("channel", channel))
		b.Disconnect(c.id)
	}

	if reached > 0 {
		metrics.BroadcastsSent.WithLabelValues(topic).Add(float64(reached))
	}
	return reached
}

// writePump serializes outbound frames for one connection.
func (b *Broker) writePump(c *conn) {
	for {
		select {
		case frame := <-c.send:
			c.wire.SetWriteDeadline(b.now().Add(b.cfg.WriteTimeout))
			if err := c.wire.WriteJSON(frame); err != nil {
				b.logger.Warn("write failed",
					zap.String("conn", c.id), zap.Error(err))
				b.Disconnect(c.id)
				return
			}
		case <-c.done:
			return
		}
	}
}

// heartbeatTick pings every connection and terminates the ones that never
// answered the previous ping.
func (b *Broker) heartbeatTick() {
	b.mu.RLock()
	conns := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		if !c.spendLife() {
			b.logger.Info("terminating inactive connection", zap.String("conn", c.id))
			b.Disconnect(c.id)
			continue
		}
		deadline := b.now().Add(b.cfg.WriteTimeout)
		if err := c.wire.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			b.Disconnect(c.id)
		}
	}
}

// Disconnect removes a connection and closes its socket. Safe to call any
// number of times for the same id.
func (b *Broker) Disconnect(id string) {
	b.mu.Lock()
	c, ok := b.conns[id]
	if ok {
		delete(b.conns, id)
	}
	total := len(b.conns)
	b.mu.Unlock()
	if !ok {
		return
	}

	c.closeOnce.Do(func() {
		close(c.done)
		c.wire.Close()
	})
	metrics.ActiveConnections.Set(float64(total))
	b.logger.Info("connection closed", zap.String("conn", c.id))
}

// Shutdown closes every connection with a going-away reason and stops the
// heartbeat. Idempotent.
func (b *Broker) Shutdown() {
	b.shutdownOnce.Do(func() {
		if b.heartbeat != nil {
			b.heartbeat.Stop()
		}

		b.mu.RLock()
		ids := make([]string, 0, len(b.conns))
		conns := make([]*conn, 0, len(b.conns))
		for id, c := range b.conns {
			ids = append(ids, id)
			conns = append(conns, c)
		}
		b.mu.RUnlock()

		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
		deadline := b.now().Add(b.cfg.WriteTimeout)
		for i, c := range conns {
			_ = c.wire.WriteControl(websocket.CloseMessage, msg, deadline)
			b.Disconnect(ids[i])
		}
		b.logger.Info("subscription broker stopped")
	})
}

// Stats summarizes the registry for the monitoring surface.
type Stats struct {
	TotalConnections         int      `json:"totalConnections"`
	AuthenticatedConnections int      `json:"authenticatedConnections"`
	UniqueUsers              int      `json:"uniqueUsers"`
	TotalSubscriptions       int      `json:"totalSubscriptions"`
	Channels                 []string `json:"channels"`
}

// Stats reports current registry totals.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{TotalConnections: len(b.conns)}
	users := make(map[string]struct{})
	channels := make(map[string]struct{})
	for _, c := range b.conns {
		if user, ok := c.identity(); ok {
			stats.AuthenticatedConnections++
			users[user.UserID] = struct{}{}
		}
		for _, ch := range c.channelList() {
			stats.TotalSubscriptions++
			channels[ch] = struct{}{}
		}
	}
	stats.UniqueUsers = len(users)
	stats.Channels = make([]string, 0, len(channels))
	for ch := range channels {
		stats.Channels = append(stats.Channels, ch)
	}
	sort.Strings(stats.Channels)
	return stats
}

// BindBus bridges bus events onto websocket channels: quotes and depth on
// market-data, recommendations on ai-recommendations, venue status changes
// on system-notifications.
func (b *Broker) BindBus(ctx context.Context, bus Subscriber) error {
	if err := bus.Subscribe(ctx, hub.TopicMarketData, func(data []byte) {
		b.Publish(hub.TopicMarketData, marketDataSelector(data), json.RawMessage(data))
	}); err != nil {
		return err
	}
	if err := bus.Subscribe(ctx, hub.TopicAIRecommendations, func(data []byte) {
		var rec struct {
			Symbol string `json:"symbol"`
		}
		_ = json.Unmarshal(data, &rec)
		b.Publish(hub.TopicAIRecommendations, rec.Symbol, json.RawMessage(data))
	}); err != nil {
		return err
	}
	return bus.Subscribe(ctx, hub.TopicSystemNotifications, func(data []byte) {
		b.Publish(hub.TopicSystemNotifications, "", json.RawMessage(data))
	})
}

// marketDataSelector pulls the symbol out of a quote or depth event.
func marketDataSelector(data []byte) string {
	var event struct {
		Quote *struct {
			Symbol string `json:"symbol"`
		} `json:"quote"`
		Snapshot *struct {
			Symbol string `json:"symbol"`
		} `json:"snapshot"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return ""
	}
	if event.Quote != nil {
		return event.Quote.Symbol
	}
	if event.Snapshot != nil {
		return event.Snapshot.Symbol
	}
	return ""
}
