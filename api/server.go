// Package api exposes the HTTP surface: market data reads, routing
// analysis, venue administration, the websocket upgrade endpoint and the
// operational endpoints (health, metrics, broker stats).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/liquidityflow/liquidityflow/internal/advisor"
	"github.com/liquidityflow/liquidityflow/internal/broker"
	"github.com/liquidityflow/liquidityflow/internal/feeds"
	apperrors "github.com/liquidityflow/liquidityflow/pkg/errors"
	"github.com/liquidityflow/liquidityflow/pkg/models"
)

// MarketReader is the hub surface the read endpoints use.
type MarketReader interface {
	GetLatest(symbol, venueID string) []models.Quote
	GetAggregated(symbol string, freshness time.Duration) (*models.AggregatedSnapshot, error)
	GetBook(symbol, venueID string) (models.OrderBookSnapshot, bool)
	VenueHealthAll() []models.VenueHealth
}

// Analyzer produces routing recommendations.
type Analyzer interface {
	Analyze(ctx context.Context, req advisor.Request) (*models.Recommendation, error)
}

// VenueAdmin restarts degraded feed adapters.
type VenueAdmin interface {
	Restart(venueID string) error
	States() map[string]feeds.State
}

// StreamBroker serves websocket subscribers.
type StreamBroker interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Stats() broker.Stats
}

// Server is the REST API server.
type Server struct {
	router    *gin.Engine
	logger    *zap.Logger
	market    MarketReader
	analyzer  Analyzer
	venues    VenueAdmin
	broker    StreamBroker
	validator *validator.Validate
}

// NewServer wires the API server with injected service interfaces.
func NewServer(logger *zap.Logger, market MarketReader, analyzer Analyzer, venues VenueAdmin, streamBroker StreamBroker) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		market:    market,
		analyzer:  analyzer,
		venues:    venues,
		broker:    streamBroker,
		validator: validator.New(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	store := memory.NewStore()
	rate, _ := limiter.NewRateFromFormatted("300-M")
	router.Use(ginlimiter.NewMiddleware(limiter.New(store, rate)))

	s.router = router
	s.registerRoutes()
	return s
}

// Router returns the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Start runs the server until the listener fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", func(c *gin.Context) {
		s.broker.ServeWS(c.Writer, c.Request)
	})

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.health)
		v1.GET("/metrics", gin.WrapH(promhttp.Handler()))

		market := v1.Group("/market")
		{
			market.GET("/latest/:symbol", s.latest)
			market.GET("/aggregated/:symbol", s.aggregated)
			market.GET("/book/:symbol", s.book)
			market.GET("/venues", s.venueHealth)
		}

		v1.POST("/venues/:id/restart", s.restartVenue)
		v1.POST("/ai/analyze", s.analyze)
		v1.GET("/ws/stats", s.wsStats)
	}
}

func (s *Server) problem(c *gin.Context, err error) {
	p := apperrors.Problem(err, c.Request.URL.Path)
	c.JSON(p.Status, p)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) latest(c *gin.Context) {
	symbol := c.Param("symbol")
	venue := c.Query("venue")

	quotes := s.market.GetLatest(symbol, venue)
	if len(quotes) == 0 {
		s.problem(c, apperrors.DataUnavailablef("no quotes for %s", symbol))
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "quotes": quotes})
}

func (s *Server) aggregated(c *gin.Context) {
	symbol := c.Param("symbol")

	freshness := time.Duration(0)
	if raw := c.Query("freshness"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			s.problem(c, apperrors.Validationf("bad freshness %q", raw))
			return
		}
		freshness = parsed
	}

	snap, err := s.market.GetAggregated(symbol, freshness)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) book(c *gin.Context) {
	symbol := c.Param("symbol")
	venue := c.Query("venue")
	if venue == "" {
		s.problem(c, apperrors.Validationf("venue query parameter required"))
		return
	}

	snap, ok := s.market.GetBook(symbol, venue)
	if !ok {
		s.problem(c, apperrors.DataUnavailablef("no order book for %s on %s", symbol, venue))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) venueHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"venues": s.market.VenueHealthAll(),
		"states": s.venues.States(),
	})
}

func (s *Server) restartVenue(c *gin.Context) {
	id := c.Param("id")
	if err := s.venues.Restart(id); err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"venue": id, "status": "restarting"})
}

func (s *Server) analyze(c *gin.Context) {
	var req advisor.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.problem(c, apperrors.WrapValidation(err, "bad analyze request"))
		return
	}

	rec, err := s.analyzer.Analyze(c.Request.Context(), req)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) wsStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.broker.Stats())
}
