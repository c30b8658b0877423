// Package store is the durable-storage collaborator. The hub hands it
// writes fire-and-forget and reads freshness-bounded snapshots; long-term
// retention and expiry are owned here, not by the in-memory cache.
package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/liquidityflow/liquidityflow/pkg/models"
)

// QuoteRecord is the persisted form of a quote. Derived values are not
// stored; readers recompute them from bid/ask.
type QuoteRecord struct {
	ID        uint      `gorm:"primaryKey"`
	Symbol    string    `gorm:"index:idx_quote_key;index:idx_quote_symbol_time,priority:1"`
	VenueID   string    `gorm:"index:idx_quote_key"`
	Timestamp time.Time `gorm:"index:idx_quote_symbol_time,priority:2,sort:desc"`
	BidPrice  float64
	AskPrice  float64
	BidVolume float64
	AskVolume float64
	LastPrice float64
	Volume24h float64
	High24h   float64
	Low24h    float64
	Change24h float64
	Anomalies string
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// Rows older than this are eligible for pruning. Pruning runs out of band
// (a cron against expires_at), not in the write path.
const quoteRetention = 30 * 24 * time.Hour

// TableName keeps the table name stable across gorm naming strategies.
func (QuoteRecord) TableName() string { return "market_quotes" }

// VenueHealthRecord mirrors the hub's venue health table.
type VenueHealthRecord struct {
	VenueID             string `gorm:"primaryKey"`
	Connected           bool
	LastHealthCheck     time.Time
	ConsecutiveFailures int
	Status              string
	UpdatedAt           time.Time
}

// TableName keeps the table name stable across gorm naming strategies.
func (VenueHealthRecord) TableName() string { return "venue_health" }

// AggregateRow is one bucket of QueryAggregate.
type AggregateRow struct {
	Period      time.Time `json:"period"`
	AvgPrice    float64   `json:"avgPrice"`
	MaxPrice    float64   `json:"maxPrice"`
	MinPrice    float64   `json:"minPrice"`
	TotalVolume float64   `json:"totalVolume"`
	AvgSpread   float64   `json:"avgSpread"`
	Count       int64     `json:"count"`
}

// Store persists quotes and venue health to Postgres through gorm.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := db.AutoMigrate(&QuoteRecord{}, &VenueHealthRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// New wraps an existing gorm handle; used by tests.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Save writes one quote. Best-effort: failures are logged, never returned
// to the ingestion path.
func (s *Store) Save(ctx context.Context, q *models.Quote, anomalies []string) {
	rec := QuoteRecord{
		Symbol:    q.Symbol,
		VenueID:   q.VenueID,
		Timestamp: q.Timestamp,
		BidPrice:  q.BidPrice,
		AskPrice:  q.AskPrice,
		BidVolume: q.BidVolume,
		AskVolume: q.AskVolume,
		LastPrice: q.LastPrice,
		Volume24h: q.Volume24h,
		High24h:   q.High24h,
		Low24h:    q.Low24h,
		Change24h: q.Change24h,
		Anomalies: joinAnomalies(anomalies),
		ExpiresAt: q.Timestamp.Add(quoteRetention),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		s.logger.Warn("quote persist failed",
			zap.String("symbol", q.Symbol),
			zap.String("venue", q.VenueID),
			zap.Error(err))
	}
}

func joinAnomalies(anomalies []string) string {
	out := ""
	for i, a := range anomalies {
		if i > 0 {
			out += ","
		}
		out += a
	}
	return out
}

// QueryLatest returns the most recent stored quote per venue for a symbol,
// or for a single venue when venueID is non-empty.
func (s *Store) QueryLatest(ctx context.Context, symbol, venueID string) ([]QuoteRecord, error) {
	var recs []QuoteRecord
	q := s.db.WithContext(ctx).Where("symbol = ?", symbol)
	if venueID != "" {
		q = q.Where("venue_id = ?", venueID)
	}
	err := q.Order("timestamp desc").Limit(10).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query latest quotes: %w", err)
	}
	return recs, nil
}

// QueryAggregate buckets stored quotes for a symbol by hour or minute.
func (s *Store) QueryAggregate(ctx context.Context, symbol, timeframe string) ([]AggregateRow, error) {
	unit := "hour"
	if timeframe == "1m" {
		unit = "minute"
	}
	var rows []AggregateRow
	err := s.db.WithContext(ctx).
		Model(&QuoteRecord{}).
		Select("date_trunc(?, timestamp) as period, "+
			"avg(last_price) as avg_price, max(last_price) as max_price, "+
			"min(last_price) as min_price, sum(volume24h) as total_volume, "+
			"avg(ask_price - bid_price) as avg_spread, count(*) as count", unit).
		Where("symbol = ?", symbol).
		Group("period").
		Order("period desc").
		Limit(100).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate quotes: %w", err)
	}
	return rows, nil
}

// QueryVenueHealth returns the stored health record for a venue.
func (s *Store) QueryVenueHealth(ctx context.Context, venueID string) (*VenueHealthRecord, error) {
	var rec VenueHealthRecord
	if err := s.db.WithContext(ctx).First(&rec, "venue_id = ?", venueID).Error; err != nil {
		return nil, fmt.Errorf("venue health not found: %s: %w", venueID, err)
	}
	return &rec, nil
}

// UpdateVenueHealth upserts the stored health record from the hub's copy.
// Best-effort like Save.
func (s *Store) UpdateVenueHealth(ctx context.Context, h models.VenueHealth) {
	rec := VenueHealthRecord{
		VenueID:             h.VenueID,
		Connected:           h.Connected,
		LastHealthCheck:     h.LastHealthCheck,
		ConsecutiveFailures: h.ConsecutiveFailures,
		Status:              string(h.Status),
	}
	err := s.db.WithContext(ctx).Save(&rec).Error
	if err != nil {
		s.logger.Warn("venue health persist failed",
			zap.String("venue", h.VenueID),
			zap.Error(err))
	}
}
