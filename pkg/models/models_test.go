package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuoteDerivedValues(t *testing.T) {
	q := Quote{BidPrice: 99.5, AskPrice: 100.5}

	assert.InDelta(t, 1.0, q.Spread(), 1e-9)
	assert.InDelta(t, 100.0, q.MidPrice(), 1e-9)
	assert.InDelta(t, 1.0, q.SpreadPercent(), 1e-9)
}

func TestQuoteSpreadPercentZeroMid(t *testing.T) {
	q := Quote{BidPrice: -1, AskPrice: 1}
	assert.Zero(t, q.SpreadPercent())
}

func TestQuoteFreshness(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	q := Quote{Timestamp: now.Add(-30 * time.Second)}

	assert.Equal(t, 30*time.Second, q.Age(now))
	assert.True(t, q.Fresh(now, time.Minute))
	assert.False(t, q.Fresh(now, 10*time.Second))
}

func TestSideValid(t *testing.T) {
	assert.True(t, SideBuy.Valid())
	assert.True(t, SideSell.Valid())
	assert.False(t, Side("hold").Valid())
	assert.False(t, Side("").Valid())
}

func TestVenueHealthApplyPartial(t *testing.T) {
	h := VenueHealth{
		VenueID:             "binance",
		Connected:           true,
		ConsecutiveFailures: 0,
		Status:              VenueActive,
	}

	failures := 3
	degraded := VenueDegraded
	h.Apply(VenueHealthUpdate{
		ConsecutiveFailures: &failures,
		Status:              &degraded,
	})

	assert.True(t, h.Connected, "nil pointers leave fields untouched")
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, VenueDegraded, h.Status)
}
