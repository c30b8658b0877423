package advisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liquidityflow/liquidityflow/internal/config"
	apperrors "github.com/liquidityflow/liquidityflow/pkg/errors"
	"github.com/liquidityflow/liquidityflow/pkg/models"
)

type fakeSource struct {
	quotes    []models.Quote
	anomalies [][]string
}

func (s *fakeSource) Snapshot(string) ([]models.Quote, [][]string) {
	if s.anomalies == nil {
		s.anomalies = make([][]string, len(s.quotes))
	}
	return s.quotes, s.anomalies
}

type fakePublisher struct {
	channels []string
}

func (p *fakePublisher) Publish(_ context.Context, channel string, _ interface{}) error {
	p.channels = append(p.channels, channel)
	return nil
}

var testClock = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

// quoteWithSpread builds a quote around mid price 100 with the given spread
// percent and generous top-of-book volume.
func quoteWithSpread(venue string, spreadPct, volume24h float64) models.Quote {
	half := spreadPct / 2
	return models.Quote{
		Symbol:    "BTC-USD",
		VenueID:   venue,
		Timestamp: testClock,
		BidPrice:  100 - half,
		AskPrice:  100 + half,
		BidVolume: 500,
		AskVolume: 500,
		LastPrice: 100,
		Volume24h: volume24h,
	}
}

func newTestAdvisor(src MarketSource, bus Publisher) *Advisor {
	a := New(config.AdvisorConfig{
		ImpactFactor:    0.1,
		VolumeFloor:     1_000_000,
		MaxVenues:       3,
		PrimaryFraction: 0.6,
	}, src, bus, zap.NewNop())
	a.SetClock(func() time.Time { return testClock })
	return a
}

func buyRequest(size float64) Request {
	return Request{Symbol: "BTC-USD", Side: models.SideBuy, OrderSize: size}
}

func TestAnalyzeNoFreshQuotes(t *testing.T) {
	a := newTestAdvisor(&fakeSource{}, nil)
	_, err := a.Analyze(context.Background(), buyRequest(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDataUnavailable))
}

func TestAnalyzeRejectsBadRequest(t *testing.T) {
	a := newTestAdvisor(&fakeSource{quotes: []models.Quote{quoteWithSpread("binance", 0.1, 5e7)}}, nil)

	_, err := a.Analyze(context.Background(), Request{Symbol: "BTC-USD", Side: "hold", OrderSize: 1})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = a.Analyze(context.Background(), Request{Symbol: "BTC-USD", Side: models.SideBuy, OrderSize: 0})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestSingleVenueWinsOnDiverseSpreads(t *testing.T) {
	src := &fakeSource{quotes: []models.Quote{
		quoteWithSpread("kraken", 0.5, 5e7),
		quoteWithSpread("binance", 0.1, 5e7),
		quoteWithSpread("coinbase", 0.3, 5e7),
	}}
	a := newTestAdvisor(src, nil)

	rec, err := a.Analyze(context.Background(), buyRequest(1))
	require.NoError(t, err)

	// Splitting onto wider-spread venues costs more than the diversification
	// risk discount is worth, so the whole order goes to the tightest book.
	assert.Equal(t, models.StrategySingleVenue, rec.Strategy)
	require.Len(t, rec.Allocation, 1)
	assert.Equal(t, "binance", rec.Allocation[0].VenueID)
	assert.Equal(t, 1.0, rec.Allocation[0].Fraction)
	assert.InDelta(t, 0.05, rec.ExpectedSlippage, 1e-9)
}

func TestMultiVenueSplitOnComparableSpreads(t *testing.T) {
	src := &fakeSource{quotes: []models.Quote{
		quoteWithSpread("binance", 0.10, 5e7),
		quoteWithSpread("coinbase", 0.10, 5e7),
		quoteWithSpread("kraken", 0.10, 5e7),
		quoteWithSpread("gemini", 0.10, 5e7),
	}}
	a := newTestAdvisor(src, nil)

	rec, err := a.Analyze(context.Background(), buyRequest(1))
	require.NoError(t, err)

	assert.Equal(t, models.StrategyMultiVenue, rec.Strategy)
	require.Len(t, rec.Allocation, 3, "split is capped at the configured venue count")
	assert.InDelta(t, 0.6, rec.Allocation[0].Fraction, 1e-9)
	assert.InDelta(t, 0.2, rec.Allocation[1].Fraction, 1e-9)
	assert.InDelta(t, 0.2, rec.Allocation[2].Fraction, 1e-9)

	var total float64
	for _, leg := range rec.Allocation {
		total += leg.Fraction
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestSlippageFloor(t *testing.T) {
	a := newTestAdvisor(nil, nil)
	q := quoteWithSpread("binance", 0.001, 5e7)
	got := a.predictSlippage(models.SideBuy, 0.0001, q)
	assert.Equal(t, 0.01, got)
}

func TestSlippageUsesRelevantSide(t *testing.T) {
	a := newTestAdvisor(nil, nil)
	q := quoteWithSpread("binance", 0.1, 5e7)
	q.AskVolume = 10
	q.BidVolume = 1000

	buy := a.predictSlippage(models.SideBuy, 100, q)
	sell := a.predictSlippage(models.SideSell, 100, q)
	assert.Greater(t, buy, sell, "a buy walks the thinner ask side")
}

func TestTimingHighVolatility(t *testing.T) {
	src := &fakeSource{quotes: []models.Quote{
		quoteWithSpread("binance", 6.0, 5e7),
		quoteWithSpread("coinbase", 6.0, 5e7),
	}}
	a := newTestAdvisor(src, nil)

	rec, err := a.Analyze(context.Background(), buyRequest(1))
	require.NoError(t, err)
	assert.False(t, rec.Timing.Immediate)
	assert.Equal(t, 300, rec.Timing.DelaySeconds)
}

func TestTimingLowLiquidity(t *testing.T) {
	src := &fakeSource{quotes: []models.Quote{
		quoteWithSpread("binance", 3.0, 2e6),
		quoteWithSpread("coinbase", 3.0, 2e6),
	}}
	a := newTestAdvisor(src, nil)

	rec, err := a.Analyze(context.Background(), buyRequest(1))
	require.NoError(t, err)
	assert.False(t, rec.Timing.Immediate)
	assert.Equal(t, 180, rec.Timing.DelaySeconds)
}

func TestTimingImmediateOnCalmLiquidMarket(t *testing.T) {
	src := &fakeSource{quotes: []models.Quote{
		quoteWithSpread("binance", 0.1, 9e6),
		quoteWithSpread("coinbase", 0.1, 9e6),
	}}
	a := newTestAdvisor(src, nil)

	rec, err := a.Analyze(context.Background(), buyRequest(1))
	require.NoError(t, err)
	assert.True(t, rec.Timing.Immediate)
	assert.Zero(t, rec.Timing.DelaySeconds)
	assert.Equal(t, models.ConditionNormal, rec.MarketCondition)
}

func TestMarketConditionClassification(t *testing.T) {
	cases := []struct {
		name      string
		spreadPct float64
		volume    float64
		want      models.MarketCondition
	}{
		{"illiquid on wide spreads", 0.8, 5e7, models.ConditionIlliquid},
		{"low volume wins over spread", 0.8, 5e5, models.ConditionLowVolume},
		{"normal", 0.2, 5e7, models.ConditionNormal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &fakeSource{quotes: []models.Quote{
				quoteWithSpread("binance", tc.spreadPct, tc.volume),
			}}
			a := newTestAdvisor(src, nil)
			rec, err := a.Analyze(context.Background(), buyRequest(1))
			require.NoError(t, err)
			assert.Equal(t, tc.want, rec.MarketCondition)
		})
	}
}

func TestConfidenceBounds(t *testing.T) {
	stale := quoteWithSpread("binance", 2.0, 5e5)
	stale.Timestamp = testClock.Add(-10 * time.Minute)
	src := &fakeSource{
		quotes:    []models.Quote{stale},
		anomalies: [][]string{{"wide_spread", "zero_volume", "extreme_price_movement"}},
	}
	a := newTestAdvisor(src, nil)

	rec, err := a.Analyze(context.Background(), buyRequest(1))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.Confidence, 50)
	assert.LessOrEqual(t, rec.Confidence, 100)
	assert.InDelta(t, 50.0, rec.DataQuality, 1e-9, "stale −20, wide −15, 3 anomalies −15")
}

func TestOrderSizingReducedOnHighUtilization(t *testing.T) {
	q := quoteWithSpread("binance", 0.1, 5e7)
	q.AskVolume = 10 // 10 * 100 = 1000 value of ask-side liquidity
	src := &fakeSource{quotes: []models.Quote{q}}
	a := newTestAdvisor(src, nil)

	rec, err := a.Analyze(context.Background(), buyRequest(5)) // value 500, 50% of book
	require.NoError(t, err)
	assert.InDelta(t, 4.0, rec.OrderSizing.RecommendedSize, 1e-9)
	assert.InDelta(t, 5.0, rec.OrderSizing.OriginalSize, 1e-9)
	assert.Greater(t, rec.OrderSizing.LiquidityUtilization, 0.1)
}

func TestBroadcastPublishesOnSymbolChannel(t *testing.T) {
	src := &fakeSource{quotes: []models.Quote{quoteWithSpread("binance", 0.1, 5e7)}}
	bus := &fakePublisher{}
	a := newTestAdvisor(src, bus)

	req := buyRequest(1)
	req.Broadcast = true
	_, err := a.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"ai-recommendations", "ai-recommendations:BTC-USD"}, bus.channels)
}
