package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liquidityflow/liquidityflow/internal/advisor"
	"github.com/liquidityflow/liquidityflow/internal/broker"
	"github.com/liquidityflow/liquidityflow/internal/feeds"
	apperrors "github.com/liquidityflow/liquidityflow/pkg/errors"
	"github.com/liquidityflow/liquidityflow/pkg/models"
)

type stubMarket struct {
	quotes  []models.Quote
	agg     *models.AggregatedSnapshot
	aggErr  error
	book    models.OrderBookSnapshot
	hasBook bool
	health  []models.VenueHealth
}

func (s *stubMarket) GetLatest(string, string) []models.Quote { return s.quotes }
func (s *stubMarket) GetAggregated(string, time.Duration) (*models.AggregatedSnapshot, error) {
	return s.agg, s.aggErr
}
func (s *stubMarket) GetBook(string, string) (models.OrderBookSnapshot, bool) {
	return s.book, s.hasBook
}
func (s *stubMarket) VenueHealthAll() []models.VenueHealth { return s.health }

type stubAnalyzer struct {
	rec *models.Recommendation
	err error
	got advisor.Request
}

func (s *stubAnalyzer) Analyze(_ context.Context, req advisor.Request) (*models.Recommendation, error) {
	s.got = req
	return s.rec, s.err
}

type stubVenues struct {
	restartErr error
	restarted  []string
}

func (s *stubVenues) Restart(id string) error {
	s.restarted = append(s.restarted, id)
	return s.restartErr
}
func (s *stubVenues) States() map[string]feeds.State {
	return map[string]feeds.State{"binance": feeds.StateSubscribed}
}

type stubBroker struct{ stats broker.Stats }

func (s *stubBroker) ServeWS(http.ResponseWriter, *http.Request) {}
func (s *stubBroker) Stats() broker.Stats                        { return s.stats }

func newTestServer(market *stubMarket, analyzer *stubAnalyzer, venues *stubVenues) *Server {
	if market == nil {
		market = &stubMarket{}
	}
	if analyzer == nil {
		analyzer = &stubAnalyzer{}
	}
	if venues == nil {
		venues = &stubVenues{}
	}
	return NewServer(zap.NewNop(), market, analyzer, venues, &stubBroker{})
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(nil, nil, nil)
	w := doRequest(s, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestLatestReturnsQuotes(t *testing.T) {
	market := &stubMarket{quotes: []models.Quote{{Symbol: "BTC-USD", VenueID: "binance", LastPrice: 100}}}
	s := newTestServer(market, nil, nil)

	w := doRequest(s, http.MethodGet, "/api/v1/market/latest/BTC-USD", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"lastPrice":100`)
}

func TestLatestEmptyIsProblemJSON(t *testing.T) {
	s := newTestServer(&stubMarket{}, nil, nil)

	w := doRequest(s, http.MethodGet, "/api/v1/market/latest/NOPE-USD", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var p apperrors.ProblemDetails
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, http.StatusNotFound, p.Status)
	assert.Equal(t, "/api/v1/market/latest/NOPE-USD", p.Instance)
}

func TestAggregatedFreshnessValidation(t *testing.T) {
	s := newTestServer(nil, nil, nil)
	w := doRequest(s, http.MethodGet, "/api/v1/market/aggregated/BTC-USD?freshness=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAggregatedDataUnavailable(t *testing.T) {
	market := &stubMarket{aggErr: apperrors.DataUnavailablef("no fresh quotes for BTC-USD")}
	s := newTestServer(market, nil, nil)

	w := doRequest(s, http.MethodGet, "/api/v1/market/aggregated/BTC-USD", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAggregatedOK(t *testing.T) {
	market := &stubMarket{agg: &models.AggregatedSnapshot{Symbol: "BTC-USD", VWAP: 100.25, VenueCount: 2}}
	s := newTestServer(market, nil, nil)

	w := doRequest(s, http.MethodGet, "/api/v1/market/aggregated/BTC-USD?freshness=30s", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"vwap":100.25`)
}

func TestBookRequiresVenue(t *testing.T) {
	s := newTestServer(nil, nil, nil)
	w := doRequest(s, http.MethodGet, "/api/v1/market/book/BTC-USD", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBookOK(t *testing.T) {
	market := &stubMarket{
		hasBook: true,
		book: models.OrderBookSnapshot{
			Symbol:  "BTC-USD",
			VenueID: "binance",
			Bids:    []models.OrderBookLevel{{Price: 100, Quantity: 2}},
		},
	}
	s := newTestServer(market, nil, nil)

	w := doRequest(s, http.MethodGet, "/api/v1/market/book/BTC-USD?venue=binance", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"venueId":"binance"`)
}

func TestRestartVenue(t *testing.T) {
	venues := &stubVenues{}
	s := newTestServer(nil, nil, venues)

	w := doRequest(s, http.MethodPost, "/api/v1/venues/binance/restart", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"binance"}, venues.restarted)
}

func TestRestartUnknownVenue(t *testing.T) {
	venues := &stubVenues{restartErr: apperrors.Validationf("unknown venue")}
	s := newTestServer(nil, nil, venues)

	w := doRequest(s, http.MethodPost, "/api/v1/venues/kraken/restart", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyze(t *testing.T) {
	analyzer := &stubAnalyzer{rec: &models.Recommendation{
		Symbol:     "BTC-USD",
		Strategy:   models.StrategySingleVenue,
		Confidence: 82,
	}}
	s := newTestServer(nil, analyzer, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"symbol":    "BTC-USD",
		"side":      "buy",
		"orderSize": 1.5,
	})
	w := doRequest(s, http.MethodPost, "/api/v1/ai/analyze", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"confidence":82`)
	assert.Equal(t, models.SideBuy, analyzer.got.Side)
	assert.InDelta(t, 1.5, analyzer.got.OrderSize, 1e-9)
}

func TestAnalyzeBadBody(t *testing.T) {
	s := newTestServer(nil, nil, nil)
	w := doRequest(s, http.MethodPost, "/api/v1/ai/analyze", []byte(`{"symbol":"BTC-USD"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWSStats(t *testing.T) {
	s := newTestServer(nil, nil, nil)
	w := doRequest(s, http.MethodGet, "/api/v1/ws/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalConnections":0`)
}

func TestVenuesEndpoint(t *testing.T) {
	market := &stubMarket{health: []models.VenueHealth{{VenueID: "binance", Connected: true, Status: models.VenueActive}}}
	s := newTestServer(market, nil, nil)

	w := doRequest(s, http.MethodGet, "/api/v1/market/venues", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subscribed"`)
	assert.Contains(t, w.Body.String(), `"connected":true`)
}
