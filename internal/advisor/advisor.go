// Package advisor turns the hub's market snapshot into an order-routing
// recommendation: per-venue slippage estimates, a venue allocation, timing,
// and a confidence score. It reads market state, never mutates it.
package advisor

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/liquidityflow/liquidityflow/internal/config"
	"github.com/liquidityflow/liquidityflow/internal/hub"
	apperrors "github.com/liquidityflow/liquidityflow/pkg/errors"
	"github.com/liquidityflow/liquidityflow/pkg/metrics"
	"github.com/liquidityflow/liquidityflow/pkg/models"
)

const (
	minSlippagePct  = 0.01
	staleQuality    = 5 * time.Minute
	liquidityNorm   = 1e7
	singleVenueRisk = 0.1
	multiVenueRisk  = 0.05
)

// MarketSource is the slice of the hub the advisor reads.
type MarketSource interface {
	Snapshot(symbol string) ([]models.Quote, [][]string)
}

// Publisher pushes finished recommendations to stream subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg interface{}) error
}

// Request describes one analysis call.
type Request struct {
	Symbol    string      `json:"symbol" binding:"required"`
	Side      models.Side `json:"side" binding:"required"`
	OrderSize float64     `json:"orderSize" binding:"required,gt=0"`
	// Broadcast additionally publishes the result on the
	// ai-recommendations stream for the symbol.
	Broadcast bool `json:"broadcast"`
}

// Advisor scores routing strategies over the hub's fresh quotes.
type Advisor struct {
	cfg    config.AdvisorConfig
	source MarketSource
	bus    Publisher
	logger *zap.Logger
	now    func() time.Time
}

// New creates an advisor. bus may be nil when broadcasting is not needed.
func New(cfg config.AdvisorConfig, source MarketSource, bus Publisher, logger *zap.Logger) *Advisor {
	if cfg.ImpactFactor <= 0 {
		cfg.ImpactFactor = 0.1
	}
	if cfg.VolumeFloor <= 0 {
		cfg.VolumeFloor = 1_000_000
	}
	if cfg.MaxVenues <= 0 {
		cfg.MaxVenues = 3
	}
	if cfg.PrimaryFraction <= 0 || cfg.PrimaryFraction >= 1 {
		cfg.PrimaryFraction = 0.6
	}
	return &Advisor{
		cfg:    cfg,
		source: source,
		bus:    bus,
		logger: logger.Named("advisor"),
		now:    time.Now,
	}
}

// SetClock overrides the advisor clock; used by tests.
func (a *Advisor) SetClock(now func() time.Time) { a.now = now }

// venueView is one venue's quote with its slippage prediction.
type venueView struct {
	quote     models.Quote
	anomalies int
	slippage  float64
}

// Analyze produces a recommendation for the request, or a typed
// data-unavailable failure when no fresh quotes exist for the symbol.
func (a *Advisor) Analyze(ctx context.Context, req Request) (*models.Recommendation, error) {
	started := time.Now()
	defer func() {
		metrics.AdvisorLatency.Observe(time.Since(started).Seconds())
	}()

	if !req.Side.Valid() {
		return nil, apperrors.Validationf("side must be buy or sell, got %q", req.Side)
	}
	if req.OrderSize <= 0 {
		return nil, apperrors.Validationf("order size must be positive")
	}

	quotes, anomalies := a.source.Snapshot(req.Symbol)
	if len(quotes) == 0 {
		return nil, apperrors.DataUnavailablef("no fresh quotes for %s", req.Symbol)
	}

	views := make([]venueView, len(quotes))
	for i, q := range quotes {
		views[i] = venueView{
			quote:     q,
			anomalies: len(anomalies[i]),
			slippage:  a.predictSlippage(req.Side, req.OrderSize, q),
		}
	}
	// Best spread first. Also pins iteration order, which the hub snapshot
	// does not guarantee.
	sort.Slice(views, func(i, j int) bool {
		return views[i].quote.SpreadPercent() < views[j].quote.SpreadPercent()
	})

	condition := a.assessCondition(views)
	strategy, allocation, expectedSlippage, reasoning := a.selectStrategy(req.Side, views)
	savings, slippageRange := a.estimateSavings(views, expectedSlippage)
	timing := a.recommendTiming(condition)
	sizing := a.optimizeSize(req.Side, req.OrderSize, views)
	quality := a.assessDataQuality(views)
	confidence := a.calculateConfidence(quality, views, condition)

	rec := &models.Recommendation{
		Symbol:           req.Symbol,
		Side:             req.Side,
		OrderSize:        req.OrderSize,
		Confidence:       confidence,
		Strategy:         strategy,
		Reasoning:        reasoning,
		Allocation:       allocation,
		ExpectedSlippage: expectedSlippage,
		SlippageRange:    slippageRange,
		EstimatedSavings: savings,
		Timing:           timing,
		OrderSizing:      sizing,
		MarketCondition:  condition.kind,
		DataQuality:      quality,
		Alternatives:     alternatives(),
		AnalysisTime:     a.now(),
	}

	if req.Broadcast && a.bus != nil {
		for _, channel := range []string{
			hub.TopicAIRecommendations,
			hub.Channel(hub.TopicAIRecommendations, req.Symbol),
		} {
			if err := a.bus.Publish(ctx, channel, rec); err != nil {
				a.logger.Warn("recommendation publish failed",
					zap.String("channel", channel), zap.Error(err))
			}
		}
	}
	return rec, nil
}

// predictSlippage estimates execution slippage on one venue in percent:
// half the spread plus a liquidity impact term, floored at 0.01.
func (a *Advisor) predictSlippage(side models.Side, orderSize float64, q models.Quote) float64 {
	relevant := q.AskVolume
	if side == models.SideSell {
		relevant = q.BidVolume
	}
	ratio := 1.0
	if denom := relevant * q.LastPrice; denom > 0 {
		ratio = orderSize / denom
	}
	slippage := q.SpreadPercent()/2 + ratio*a.cfg.ImpactFactor
	return math.Max(minSlippagePct, slippage)
}

type marketCondition struct {
	kind       models.MarketCondition
	volatility float64
	liquidity  float64
}

func (a *Advisor) assessCondition(views []venueView) marketCondition {
	var spreadSum, volumeSum float64
	for _, v := range views {
		spreadSum += v.quote.SpreadPercent()
		volumeSum += v.quote.Volume24h
	}
	avgSpread := spreadSum / float64(len(views))
	avgVolume := volumeSum / float64(len(views))

	kind := models.ConditionNormal
	if avgSpread > 0.5 {
		kind = models.ConditionIlliquid
	}
	if avgVolume < a.cfg.VolumeFloor {
		kind = models.ConditionLowVolume
	}
	return marketCondition{
		kind:       kind,
		volatility: avgSpread / 100,
		liquidity:  math.Min(1, avgVolume/liquidityNorm),
	}
}

// selectStrategy scores a single-venue plan against a split across the top
// venues by spread and keeps whichever maximizes savings minus risk.
func (a *Advisor) selectStrategy(side models.Side, views []venueView) (models.Strategy, []models.VenueAllocation, float64, string) {
	best := views[0]
	singleSlippage := best.quote.SpreadPercent() / 2
	singleScore := 0 - singleVenueRisk

	if len(views) < 2 {
		return models.StrategySingleVenue,
			[]models.VenueAllocation{a.leg(side, best, 1.0)},
			singleSlippage,
			"best spread on " + best.quote.VenueID
	}

	top := views
	if len(top) > a.cfg.MaxVenues {
		top = top[:a.cfg.MaxVenues]
	}
	rest := (1 - a.cfg.PrimaryFraction) / float64(len(top)-1)

	var multiSlippage float64
	allocation := make([]models.VenueAllocation, len(top))
	for i, v := range top {
		fraction := rest
		if i == 0 {
			fraction = a.cfg.PrimaryFraction
		}
		allocation[i] = a.leg(side, v, fraction)
		multiSlippage += fraction * v.quote.SpreadPercent() / 2
	}
	multiScore := (singleSlippage - multiSlippage) - multiVenueRisk

	if multiScore > singleScore {
		return models.StrategyMultiVenue, allocation, multiSlippage,
			"split order across venues to minimize slippage"
	}
	return models.StrategySingleVenue,
		[]models.VenueAllocation{a.leg(side, best, 1.0)},
		singleSlippage,
		"best spread on " + best.quote.VenueID
}

func (a *Advisor) leg(side models.Side, v venueView, fraction float64) models.VenueAllocation {
	price := v.quote.AskPrice
	if side == models.SideSell {
		price = v.quote.BidPrice
	}
	return models.VenueAllocation{
		VenueID:          v.quote.VenueID,
		Fraction:         fraction,
		ExpectedPrice:    price,
		ExpectedSlippage: v.slippage,
	}
}

func (a *Advisor) estimateSavings(views []venueView, expectedSlippage float64) (models.EstimatedSavings, models.SlippageRange) {
	lo, hi := views[0].slippage, views[0].slippage
	for _, v := range views[1:] {
		lo = math.Min(lo, v.slippage)
		hi = math.Max(hi, v.slippage)
	}

	reduction := hi - expectedSlippage
	pct := 0.0
	if hi > 0 {
		pct = reduction / hi * 100
	}
	return models.EstimatedSavings{SlippageReduction: reduction, Percentage: pct},
		models.SlippageRange{Min: lo, Max: hi}
}

func (a *Advisor) recommendTiming(c marketCondition) models.ExecutionTiming {
	switch {
	case c.volatility < 0.02 && c.liquidity > 0.8:
		return models.ExecutionTiming{Immediate: true, Reason: "optimal market conditions"}
	case c.volatility > 0.05:
		return models.ExecutionTiming{Immediate: false, DelaySeconds: 300,
			Reason: "high volatility, waiting for stabilization"}
	case c.liquidity < 0.3:
		return models.ExecutionTiming{Immediate: false, DelaySeconds: 180,
			Reason: "low liquidity, time-weighted execution recommended"}
	default:
		return models.ExecutionTiming{Immediate: true, Reason: "normal market conditions"}
	}
}

// optimizeSize shrinks the order 20% when its value would consume more
// than a tenth of the visible relevant liquidity.
func (a *Advisor) optimizeSize(side models.Side, orderSize float64, views []venueView) models.OrderSizing {
	var total float64
	for _, v := range views {
		relevant := v.quote.AskVolume
		if side == models.SideSell {
			relevant = v.quote.BidVolume
		}
		total += relevant * v.quote.LastPrice
	}

	utilization := 1.0
	if total > 0 {
		utilization = orderSize * views[0].quote.LastPrice / total
	}

	if utilization > 0.1 {
		return models.OrderSizing{
			RecommendedSize:      orderSize * 0.8,
			OriginalSize:         orderSize,
			Reasoning:            "reduced size to limit market impact",
			LiquidityUtilization: utilization,
		}
	}
	return models.OrderSizing{
		RecommendedSize:      orderSize,
		OriginalSize:         orderSize,
		Reasoning:            "order size is fine for available liquidity",
		LiquidityUtilization: utilization,
	}
}

// assessDataQuality scores the snapshot out of 100: stale data, wide
// average spreads and flagged anomalies all cost points.
func (a *Advisor) assessDataQuality(views []venueView) float64 {
	quality := 100.0

	newest := views[0].quote.Timestamp
	var spreadSum float64
	anomalyCount := 0
	for _, v := range views {
		if v.quote.Timestamp.After(newest) {
			newest = v.quote.Timestamp
		}
		spreadSum += v.quote.SpreadPercent()
		anomalyCount += v.anomalies
	}

	if a.now().Sub(newest) > staleQuality {
		quality -= 20
	}
	if spreadSum/float64(len(views)) > 1 {
		quality -= 15
	}
	quality -= math.Min(30, float64(anomalyCount)*5)

	return math.Max(0, quality)
}

func (a *Advisor) calculateConfidence(quality float64, views []venueView, c marketCondition) int {
	confidence := 100.0
	confidence *= quality / 100

	slippages := make([]float64, len(views))
	for i, v := range views {
		slippages[i] = v.slippage
	}
	confidence *= math.Max(0.5, 1-stddev(slippages)/10)

	confidence *= math.Max(0.6, 1-priceDispersion(views)/20)

	return int(math.Max(50, math.Min(100, math.Round(confidence))))
}

func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}

// priceDispersion averages the relative last-price differences between
// consecutive venues in the snapshot, a cheap cross-venue agreement
// proxy.
func priceDispersion(views []venueView) float64 {
	if len(views) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(views); i++ {
		prev := views[i-1].quote.LastPrice
		if prev == 0 {
			continue
		}
		sum += math.Abs(views[i].quote.LastPrice-prev) / prev
	}
	return sum / float64(len(views)-1)
}

func alternatives() []models.Alternative {
	return []models.Alternative{
		{
			Name:        "Conservative Single Venue",
			Description: "Execute on the most liquid venue",
			Tradeoffs:   "Lower complexity, potentially higher slippage",
		},
		{
			Name:        "Time-Weighted Average",
			Description: "Split order over a 15-minute window",
			Tradeoffs:   "Reduced market impact, longer execution time",
		},
		{
			Name:        "Aggressive Multi-Venue",
			Description: "Split across every available venue",
			Tradeoffs:   "Maximum slippage reduction, higher complexity",
		},
	}
}
