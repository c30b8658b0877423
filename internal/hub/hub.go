// Package hub owns the authoritative in-memory view of the market: the
// latest quote per (symbol, venue), per-venue order books, and the venue
// health table. It validates and flags incoming quotes, throttles writes to
// the durable store, and publishes every accepted update on the event bus.
package hub

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/liquidityflow/liquidityflow/pkg/errors"
	"github.com/liquidityflow/liquidityflow/pkg/metrics"
	"github.com/liquidityflow/liquidityflow/pkg/models"
)

// Persister is the slice of the durable store the hub needs. A nil
// Persister disables persistence entirely.
type Persister interface {
	Save(ctx context.Context, q *models.Quote, anomalies []string)
	UpdateVenueHealth(ctx context.Context, h models.VenueHealth)
}

// Publisher is the slice of the event bus the hub needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg interface{}) error
}

// Config carries the hub tunables.
type Config struct {
	// PersistInterval is the minimum gap between durable writes for one
	// (symbol, venue) key.
	PersistInterval time.Duration
	// FreshnessWindow bounds quote age for aggregation.
	FreshnessWindow time.Duration
	// OrderBookDepth bounds snapshot depth per side.
	OrderBookDepth int
	// ExtremeMoveRatio flags |Δlast|/last above this as anomalous.
	ExtremeMoveRatio float64
	// WideSpreadPct flags spreadPercent above this as anomalous.
	WideSpreadPct float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PersistInterval:  10 * time.Second,
		FreshnessWindow:  time.Minute,
		OrderBookDepth:   20,
		ExtremeMoveRatio: 0.1,
		WideSpreadPct:    5.0,
	}
}

type quoteKey struct {
	symbol  string
	venueID string
}

type cacheEntry struct {
	quote     models.Quote
	anomalies []string
}

// Hub is the market data hub. All mutation happens under mu; persistence
// and bus publishing never hold it.
type Hub struct {
	cfg    Config
	logger *zap.Logger
	bus    Publisher
	store  Persister
	now    func() time.Time

	mu          sync.RWMutex
	quotes      map[quoteKey]cacheEntry
	lastPersist map[quoteKey]time.Time
	health      map[string]*models.VenueHealth
	books       map[quoteKey]*book

	scheduler Scheduler
	adapters  []io.Closer

	shutdownOnce sync.Once
}

// New creates a hub. bus is required; store may be nil.
func New(cfg Config, logger *zap.Logger, eventBus Publisher, store Persister) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 10 * time.Second
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = time.Minute
	}
	if cfg.OrderBookDepth <= 0 {
		cfg.OrderBookDepth = 20
	}
	if cfg.ExtremeMoveRatio <= 0 {
		cfg.ExtremeMoveRatio = 0.1
	}
	if cfg.WideSpreadPct <= 0 {
		cfg.WideSpreadPct = 5.0
	}
	return &Hub{
		cfg:         cfg,
		logger:      logger,
		bus:         eventBus,
		store:       store,
		now:         time.Now,
		quotes:      make(map[quoteKey]cacheEntry),
		lastPersist: make(map[quoteKey]time.Time),
		health:      make(map[string]*models.VenueHealth),
		books:       make(map[quoteKey]*book),
		scheduler:   NewScheduler(),
	}
}

// SetClock overrides the hub clock; used by tests.
func (h *Hub) SetClock(now func() time.Time) { h.now = now }

// Scheduler exposes the hub-owned scheduler so adapters register their
// timers where shutdown can reach them.
func (h *Hub) Scheduler() Scheduler { return h.scheduler }

// RegisterAdapter hands the hub an adapter to close on shutdown.
func (h *Hub) RegisterAdapter(c io.Closer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters = append(h.adapters, c)
}

// Ingest validates a quote, detects anomalies against the previously
// cached value for the same key, updates the cache, schedules a throttled
// durable write, and publishes the result. An ask below bid never enters
// the cache.
func (h *Hub) Ingest(q models.Quote) error {
	if q.Symbol == "" || q.VenueID == "" {
		metrics.QuotesDropped.WithLabelValues(q.VenueID, "missing_key").Inc()
		return apperrors.Validationf("quote missing symbol or venue")
	}
	if q.AskPrice < q.BidPrice {
		metrics.QuotesDropped.WithLabelValues(q.VenueID, "crossed_book").Inc()
		h.logger.Warn("dropping crossed quote",
			zap.String("symbol", q.Symbol),
			zap.String("venue", q.VenueID),
			zap.Float64("bid", q.BidPrice),
			zap.Float64("ask", q.AskPrice))
		return apperrors.Validationf("ask %f below bid %f for %s@%s",
			q.AskPrice, q.BidPrice, q.Symbol, q.VenueID)
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = h.now()
	}

	key := quoteKey{symbol: q.Symbol, venueID: q.VenueID}
	now := h.now()

	h.mu.Lock()
	var anomalies []string
	if prev, ok := h.quotes[key]; ok {
		anomalies = h.detectAnomalies(&q, &prev.quote)
	}
	h.quotes[key] = cacheEntry{quote: q, anomalies: anomalies}

	persist := false
	if h.store != nil {
		last, seen := h.lastPersist[key]
		if !seen || now.Sub(last) >= h.cfg.PersistInterval {
			h.lastPersist[key] = now
			persist = true
		}
	}
	h.mu.Unlock()

	metrics.QuotesIngested.WithLabelValues(q.VenueID).Inc()
	for _, a := range anomalies {
		metrics.AnomaliesDetected.WithLabelValues(a).Inc()
	}

	if persist {
		metrics.PersistWrites.Inc()
		saved := q
		go h.store.Save(context.Background(), &saved, anomalies)
	} else if h.store != nil {
		metrics.PersistSkips.Inc()
	}

	h.publish(TopicMarketData, q.Symbol, QuoteEvent{Quote: q, Anomalies: anomalies})
	return nil
}

// publish sends an event on the bare topic and, when a selector is given,
// on topic:selector as well, so consumers can listen at either granularity.
func (h *Hub) publish(topic, selector string, event interface{}) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(context.Background(), topic, event); err != nil {
		h.logger.Warn("event publish failed", zap.String("topic", topic), zap.Error(err))
	}
	if selector == "" {
		return
	}
	channel := Channel(topic, selector)
	if err := h.bus.Publish(context.Background(), channel, event); err != nil {
		h.logger.Warn("event publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

// detectAnomalies compares an incoming quote with the previous cached one.
// Caller holds mu.
func (h *Hub) detectAnomalies(q, prev *models.Quote) []string {
	var anomalies []string
	if prev.LastPrice != 0 {
		move := math.Abs(q.LastPrice-prev.LastPrice) / prev.LastPrice
		if move > h.cfg.ExtremeMoveRatio {
			anomalies = append(anomalies, "extreme_price_movement")
		}
	}
	if q.SpreadPercent() > h.cfg.WideSpreadPct {
		anomalies = append(anomalies, "wide_spread")
	}
	if q.Volume24h == 0 {
		anomalies = append(anomalies, "zero_volume")
	}
	return anomalies
}

// IngestDepth merges differential order book levels for one venue book and
// publishes a bounded snapshot.
func (h *Hub) IngestDepth(symbol, venueID string, bids, asks []models.OrderBookLevel, asOf time.Time) {
	if asOf.IsZero() {
		asOf = h.now()
	}
	key := quoteKey{symbol: symbol, venueID: venueID}

	h.mu.Lock()
	b, ok := h.books[key]
	if !ok {
		b = newBook(symbol, venueID)
		h.books[key] = b
	}
	b.apply(bids, asks, asOf)
	snap := b.snapshot(h.cfg.OrderBookDepth)
	h.mu.Unlock()

	h.publish(TopicMarketData, symbol, DepthEvent{Snapshot: snap})
}

// GetBook returns a bounded snapshot of one venue's book, or false when no
// depth has been ingested for the key.
func (h *Hub) GetBook(symbol, venueID string) (models.OrderBookSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.books[quoteKey{symbol: symbol, venueID: venueID}]
	if !ok {
		return models.OrderBookSnapshot{}, false
	}
	return b.snapshot(h.cfg.OrderBookDepth), true
}

// GetLatest returns cached quotes for a symbol. With a venue id it returns
// at most one entry; without, one entry per venue that has reported.
func (h *Hub) GetLatest(symbol, venueID string) []models.Quote {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if venueID != "" {
		if entry, ok := h.quotes[quoteKey{symbol: symbol, venueID: venueID}]; ok {
			return []models.Quote{entry.quote}
		}
		return nil
	}

	var out []models.Quote
	for key, entry := range h.quotes {
		if key.symbol == symbol {
			out = append(out, entry.quote)
		}
	}
	return out
}

// Snapshot returns the cached quotes for a symbol together with their
// anomaly flags, filtered to the freshness window. The advisor reads
// through this.
func (h *Hub) Snapshot(symbol string) ([]models.Quote, [][]string) {
	now := h.now()
	h.mu.RLock()
	defer h.mu.RUnlock()

	var quotes []models.Quote
	var anomalies [][]string
	for key, entry := range h.quotes {
		if key.symbol != symbol {
			continue
		}
		if !entry.quote.Fresh(now, h.cfg.FreshnessWindow) {
			continue
		}
		quotes = append(quotes, entry.quote)
		anomalies = append(anomalies, entry.anomalies)
	}
	return quotes, anomalies
}

// GetAggregated computes the volume-weighted cross-venue view of a symbol
// from quotes inside the freshness window. freshness <= 0 uses the
// configured window.
func (h *Hub) GetAggregated(symbol string, freshness time.Duration) (*models.AggregatedSnapshot, error) {
	if freshness <= 0 {
		freshness = h.cfg.FreshnessWindow
	}
	now := h.now()

	h.mu.RLock()
	var fresh []models.Quote
	for key, entry := range h.quotes {
		if key.symbol == symbol && entry.quote.Fresh(now, freshness) {
			fresh = append(fresh, entry.quote)
		}
	}
	h.mu.RUnlock()

	if len(fresh) == 0 {
		return nil, apperrors.DataUnavailablef("no fresh quotes for %s", symbol)
	}

	var totalVolume, weighted float64
	bestBid := math.Inf(-1)
	bestAsk := math.Inf(1)
	for _, q := range fresh {
		totalVolume += q.Volume24h
		weighted += q.LastPrice * q.Volume24h
		bestBid = math.Max(bestBid, q.BidPrice)
		bestAsk = math.Min(bestAsk, q.AskPrice)
	}

	vwap := 0.0
	if totalVolume > 0 {
		vwap = weighted / totalVolume
	}

	return &models.AggregatedSnapshot{
		Symbol:      symbol,
		VWAP:        vwap,
		BestBid:     bestBid,
		BestAsk:     bestAsk,
		Spread:      bestAsk - bestBid,
		TotalVolume: totalVolume,
		VenueCount:  len(fresh),
		AsOf:        now,
	}, nil
}

// ApplyVenueHealth mutates the venue health table. Only the hub touches
// this state; adapters describe changes through the update struct. Status
// transitions are mirrored to the store and announced on the bus.
func (h *Hub) ApplyVenueHealth(venueID string, update models.VenueHealthUpdate) models.VenueHealth {
	h.mu.Lock()
	rec, ok := h.health[venueID]
	if !ok {
		rec = &models.VenueHealth{VenueID: venueID, Status: models.VenueActive}
		h.health[venueID] = rec
	}
	prevStatus := rec.Status
	rec.Apply(update)
	snapshot := *rec
	h.mu.Unlock()

	if snapshot.Connected {
		metrics.VenueConnected.WithLabelValues(venueID).Set(1)
	} else {
		metrics.VenueConnected.WithLabelValues(venueID).Set(0)
	}

	if h.store != nil {
		go h.store.UpdateVenueHealth(context.Background(), snapshot)
	}
	if snapshot.Status != prevStatus {
		h.publish(TopicSystemNotifications, "", HealthEvent{Health: snapshot})
	}
	return snapshot
}

// VenueHealth returns a copy of one venue's health record.
func (h *Hub) VenueHealth(venueID string) (models.VenueHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.health[venueID]
	if !ok {
		return models.VenueHealth{}, false
	}
	return *rec, true
}

// VenueHealthAll returns a copy of the whole health table.
func (h *Hub) VenueHealthAll() []models.VenueHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.VenueHealth, 0, len(h.health))
	for _, rec := range h.health {
		out = append(out, *rec)
	}
	return out
}

// Shutdown stops every scheduled timer and closes every registered
// adapter. Idempotent: the second and later calls do nothing.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.scheduler.Close()

		h.mu.Lock()
		adapters := h.adapters
		h.adapters = nil
		h.mu.Unlock()

		for _, a := range adapters {
			if err := a.Close(); err != nil {
				h.logger.Warn("adapter close failed", zap.Error(err))
			}
		}
		h.logger.Info("market data hub stopped")
	})
}
