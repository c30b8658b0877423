package feeds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liquidityflow/liquidityflow/internal/config"
	"github.com/liquidityflow/liquidityflow/internal/hub"
	apperrors "github.com/liquidityflow/liquidityflow/pkg/errors"
	"github.com/liquidityflow/liquidityflow/pkg/metrics"
	"github.com/liquidityflow/liquidityflow/pkg/models"
)

// State is the adapter connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateReconnecting State = "reconnecting"
	// StateDegraded means the retry budget is spent. The adapter stays on
	// REST polling and does not dial again until Restart.
	StateDegraded State = "degraded"
)

// Sink is the slice of the hub an adapter feeds into.
type Sink interface {
	Ingest(q models.Quote) error
	ApplyVenueHealth(venueID string, update models.VenueHealthUpdate) models.VenueHealth
	Scheduler() hub.Scheduler
}

// Adapter maintains one venue's feed: a websocket stream while healthy, a
// REST poller while not, and the health record either way.
type Adapter struct {
	venue  config.VenueConfig
	codec  Codec
	cfg    config.FeedsConfig
	sink   Sink
	logger *zap.Logger

	dialer     *websocket.Dialer
	httpClient *http.Client

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	failures int
	closed   bool

	retryHandle hub.Handle
	pollHandle  hub.Handle
	probeHandle hub.Handle
}

// NewAdapter builds an adapter for one venue.
func NewAdapter(venue config.VenueConfig, cfg config.FeedsConfig, sink Sink, logger *zap.Logger) (*Adapter, error) {
	codec, err := CodecFor(venue.Codec)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		venue:  venue,
		codec:  codec,
		cfg:    cfg,
		sink:   sink,
		logger: logger.Named("feeds." + venue.ID),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		httpClient: &http.Client{Timeout: 15 * time.Second},
		state:      StateDisconnected,
	}, nil
}

// VenueID returns the venue this adapter serves.
func (a *Adapter) VenueID() string { return a.venue.ID }

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start registers the backup poller and health probe and kicks off the
// first connection attempt.
func (a *Adapter) Start() {
	sched := a.sink.Scheduler()
	a.pollHandle = sched.Every(a.cfg.PollInterval, a.poll)
	a.probeHandle = sched.Every(a.cfg.HealthProbeInterval, a.probe)
	go a.connect()
}

// connect dials the venue stream and, on success, subscribes and hands the
// connection to the read loop.
func (a *Adapter) connect() {
	a.mu.Lock()
	if a.closed || a.state == StateConnecting || a.state == StateSubscribed {
		a.mu.Unlock()
		return
	}
	a.state = StateConnecting
	a.mu.Unlock()

	a.logger.Info("connecting", zap.String("url", a.venue.WebsocketURL))

	conn, _, err := a.dialer.Dial(a.venue.WebsocketURL, nil)
	if err != nil {
		a.logger.Warn("dial failed", zap.Error(err))
		a.connectionFailed(apperrors.WrapConnection(err, "dial failed"))
		return
	}

	if err := conn.WriteJSON(a.codec.SubscribePayload(a.venue.Symbols)); err != nil {
		conn.Close()
		a.logger.Warn("subscribe failed", zap.Error(err))
		a.connectionFailed(apperrors.WrapConnection(err, "subscribe failed"))
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return
	}
	a.conn = conn
	a.state = StateSubscribed
	a.failures = 0
	a.mu.Unlock()

	a.reportHealth(true, models.VenueActive, 0)
	a.logger.Info("subscribed", zap.Strings("symbols", a.venue.Symbols))

	go a.readLoop(conn)
}

// readLoop drains the stream. Malformed frames are dropped; a read error
// ends the loop and enters the retry path.
func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			if a.conn == conn {
				a.conn = nil
			}
			a.mu.Unlock()
			if closed {
				return
			}
			a.logger.Warn("stream read failed", zap.Error(err))
			a.connectionFailed(apperrors.WrapConnection(err, "stream read failed"))
			return
		}
		a.handleFrame(raw)
	}
}

func (a *Adapter) handleFrame(raw []byte) {
	quote, err := a.codec.Decode(a.venue.ID, raw)
	if err != nil {
		metrics.QuotesDropped.WithLabelValues(a.venue.ID, "malformed").Inc()
		a.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if quote == nil {
		return
	}
	if err := a.sink.Ingest(*quote); err != nil {
		a.logger.Warn("quote rejected", zap.String("symbol", quote.Symbol), zap.Error(err))
	}
}

// connectionFailed counts a failure and either schedules a retry or
// degrades the venue.
func (a *Adapter) connectionFailed(cause error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.failures++
	failures := a.failures
	degraded := failures >= a.cfg.MaxRetries
	if degraded {
		a.state = StateDegraded
	} else {
		a.state = StateReconnecting
	}
	a.mu.Unlock()

	if degraded {
		a.logger.Error("retry budget exhausted, venue degraded",
			zap.Int("failures", failures), zap.Error(cause))
		a.reportHealth(false, models.VenueDegraded, failures)
		return
	}

	a.logger.Info("retrying",
		zap.Int("attempt", failures),
		zap.Int("max", a.cfg.MaxRetries),
		zap.Duration("delay", a.cfg.ReconnectDelay))
	a.reportHealth(false, models.VenueActive, failures)
	a.scheduleRetry()
}

// scheduleRetry arms a one-shot reconnect timer through the scheduler so
// shutdown can stop it.
func (a *Adapter) scheduleRetry() {
	var once sync.Once
	a.mu.Lock()
	if a.retryHandle != nil {
		a.retryHandle.Stop()
	}
	handle := a.sink.Scheduler().Every(a.cfg.ReconnectDelay, func() {
		once.Do(func() {
			a.mu.Lock()
			if a.retryHandle != nil {
				a.retryHandle.Stop()
				a.retryHandle = nil
			}
			a.mu.Unlock()
			a.connect()
		})
	})
	a.retryHandle = handle
	a.mu.Unlock()
}

// Restart resets the failure budget and dials again. It is the only way
// out of the degraded state.
func (a *Adapter) Restart() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.failures = 0
	a.state = StateDisconnected
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()

	a.logger.Info("restart requested")
	a.reportHealth(false, models.VenueActive, 0)
	go a.connect()
}

// poll fetches the venue's REST tickers while the stream is down and feeds
// them through the same ingest path.
func (a *Adapter) poll() {
	a.mu.Lock()
	skip := a.closed || a.state == StateSubscribed
	a.mu.Unlock()
	if skip || a.venue.RestURL == "" {
		return
	}

	for _, symbol := range a.venue.Symbols {
		quote, err := a.fetchTicker(symbol)
		if err != nil {
			a.logger.Warn("backup poll failed",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if err := a.sink.Ingest(*quote); err != nil {
			a.logger.Warn("polled quote rejected",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

func (a *Adapter) fetchTicker(symbol string) (*models.Quote, error) {
	url := a.venue.RestURL + a.codec.TickerPath(symbol)
	resp, err := a.httpClient.Get(url)
	if err != nil {
		return nil, apperrors.WrapConnection(err, "rest ticker fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Connectionf("rest ticker returned %d for %s", resp.StatusCode, symbol)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.WrapConnection(err, "rest ticker body read failed")
	}
	return a.codec.DecodeTicker(a.venue.ID, symbol, body)
}

// probe refreshes the health record on the slow clock.
func (a *Adapter) probe() {
	a.mu.Lock()
	connected := a.state == StateSubscribed
	status := models.VenueActive
	if a.state == StateDegraded {
		status = models.VenueDegraded
	}
	failures := a.failures
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	a.reportHealth(connected, status, failures)
}

func (a *Adapter) reportHealth(connected bool, status models.VenueStatus, failures int) {
	now := time.Now()
	a.sink.ApplyVenueHealth(a.venue.ID, models.VenueHealthUpdate{
		Connected:           &connected,
		LastHealthCheck:     &now,
		ConsecutiveFailures: &failures,
		Status:              &status,
	})
}

// Close stops the timers and tears down the connection. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.state = StateDisconnected
	conn := a.conn
	a.conn = nil
	retry, poll, probe := a.retryHandle, a.pollHandle, a.probeHandle
	a.mu.Unlock()

	for _, h := range []hub.Handle{retry, poll, probe} {
		if h != nil {
			h.Stop()
		}
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
	}
	a.logger.Info("adapter closed")
	return nil
}

// Manager owns the adapter fleet.
type Manager struct {
	adapters map[string]*Adapter
	logger   *zap.Logger
}

// NewManager builds one adapter per configured venue, falling back to the
// built-in venue set when the config names none.
func NewManager(cfg config.FeedsConfig, sink Sink, logger *zap.Logger) (*Manager, error) {
	venues := cfg.Venues
	if len(venues) == 0 {
		venues = config.DefaultVenues()
	}

	m := &Manager{
		adapters: make(map[string]*Adapter, len(venues)),
		logger:   logger.Named("feeds"),
	}
	for _, venue := range venues {
		if _, dup := m.adapters[venue.ID]; dup {
			return nil, apperrors.Validationf("duplicate venue id %q", venue.ID)
		}
		adapter, err := NewAdapter(venue, cfg, sink, logger)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", venue.ID, err)
		}
		m.adapters[venue.ID] = adapter
	}
	return m, nil
}

// Start starts every adapter.
func (m *Manager) Start(ctx context.Context) {
	for _, a := range m.adapters {
		a.Start()
	}
	m.logger.Info("feed adapters started", zap.Int("venues", len(m.adapters)))

	go func() {
		<-ctx.Done()
		m.Close()
	}()
}

// Restart resets one venue's adapter.
func (m *Manager) Restart(venueID string) error {
	a, ok := m.adapters[venueID]
	if !ok {
		return apperrors.Validationf("unknown venue %q", venueID)
	}
	a.Restart()
	return nil
}

// States returns the current state per venue.
func (m *Manager) States() map[string]State {
	out := make(map[string]State, len(m.adapters))
	for id, a := range m.adapters {
		out[id] = a.State()
	}
	return out
}

// Close closes every adapter.
func (m *Manager) Close() error {
	for _, a := range m.adapters {
		a.Close()
	}
	return nil
}
