// Package models defines the canonical market data model shared by the
// ingestion, analysis and distribution layers.
package models

import (
	"time"
)

// VenueStatus describes the operational state of a venue connection.
type VenueStatus string

const (
	VenueActive   VenueStatus = "active"
	VenueDegraded VenueStatus = "degraded"
	VenueDisabled VenueStatus = "disabled"
)

// Quote is a normalized top-of-book snapshot for one symbol on one venue.
// Derived values (spread, mid price, spread percent) are intentionally not
// fields: they are always recomputed from bid/ask at read time so a stale
// precomputed copy can never disagree with the canonical prices.
type Quote struct {
	Symbol           string    `json:"symbol"`
	VenueID          string    `json:"venueId"`
	Timestamp        time.Time `json:"timestamp"`
	BidPrice         float64   `json:"bidPrice"`
	AskPrice         float64   `json:"askPrice"`
	BidVolume        float64   `json:"bidVolume"`
	AskVolume        float64   `json:"askVolume"`
	LastPrice        float64   `json:"lastPrice"`
	Volume24h        float64   `json:"volume24h"`
	High24h          float64   `json:"high24h"`
	Low24h           float64   `json:"low24h"`
	Change24h        float64   `json:"change24h"`
	ChangePercent24h float64   `json:"changePercent24h"`
}

// Spread returns ask minus bid.
func (q *Quote) Spread() float64 {
	return q.AskPrice - q.BidPrice
}

// MidPrice returns the midpoint of bid and ask.
func (q *Quote) MidPrice() float64 {
	return (q.AskPrice + q.BidPrice) / 2
}

// SpreadPercent returns the spread relative to the mid price, in percent.
// Returns 0 when the mid price is zero.
func (q *Quote) SpreadPercent() float64 {
	mid := q.MidPrice()
	if mid == 0 {
		return 0
	}
	return q.Spread() / mid * 100
}

// Age returns how long ago the quote was produced, relative to now.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// Fresh reports whether the quote is younger than maxAge relative to now.
func (q *Quote) Fresh(now time.Time, maxAge time.Duration) bool {
	return q.Age(now) <= maxAge
}

// VenueHealth is the hub-owned health record for one venue. It is mutated
// only by the hub; everything else reads copies.
type VenueHealth struct {
	VenueID             string      `json:"venueId"`
	Connected           bool        `json:"connected"`
	LastHealthCheck     time.Time   `json:"lastHealthCheck"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	Status              VenueStatus `json:"status"`
}

// VenueHealthUpdate names exactly the fields of VenueHealth that may be
// changed by an update. Nil pointers leave the current value untouched.
type VenueHealthUpdate struct {
	Connected           *bool
	LastHealthCheck     *time.Time
	ConsecutiveFailures *int
	Status              *VenueStatus
}

// Apply copies the non-nil fields of the update onto h.
func (h *VenueHealth) Apply(u VenueHealthUpdate) {
	if u.Connected != nil {
		h.Connected = *u.Connected
	}
	if u.LastHealthCheck != nil {
		h.LastHealthCheck = *u.LastHealthCheck
	}
	if u.ConsecutiveFailures != nil {
		h.ConsecutiveFailures = *u.ConsecutiveFailures
	}
	if u.Status != nil {
		h.Status = *u.Status
	}
}

// AggregatedSnapshot is a symbol-scoped, volume-weighted view across all
// venues with a fresh quote. Computed on demand, never cached.
type AggregatedSnapshot struct {
	Symbol      string    `json:"symbol"`
	VWAP        float64   `json:"vwap"`
	BestBid     float64   `json:"bestBid"`
	BestAsk     float64   `json:"bestAsk"`
	Spread      float64   `json:"spread"`
	TotalVolume float64   `json:"totalVolume"`
	VenueCount  int       `json:"venueCount"`
	AsOf        time.Time `json:"asOf"`
}

// Side is the direction of a prospective order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a recognized side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}
