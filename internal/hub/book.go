package hub

import (
	"time"

	"github.com/tidwall/btree"

	"github.com/liquidityflow/liquidityflow/pkg/models"
)

// book holds one venue's order book for a symbol as price-sorted trees, so
// differential updates stay cheap and snapshots come out ordered.
type book struct {
	symbol  string
	venueID string
	bids    *btree.Map[float64, float64] // price -> quantity
	asks    *btree.Map[float64, float64]
	asOf    time.Time
}

func newBook(symbol, venueID string) *book {
	return &book{
		symbol:  symbol,
		venueID: venueID,
		bids:    btree.NewMap[float64, float64](32),
		asks:    btree.NewMap[float64, float64](32),
	}
}

// apply merges differential level updates. A zero quantity deletes the
// level, matching venue depth-stream semantics.
func (b *book) apply(bids, asks []models.OrderBookLevel, asOf time.Time) {
	for _, lvl := range bids {
		if lvl.Quantity == 0 {
			b.bids.Delete(lvl.Price)
		} else {
			b.bids.Set(lvl.Price, lvl.Quantity)
		}
	}
	for _, lvl := range asks {
		if lvl.Quantity == 0 {
			b.asks.Delete(lvl.Price)
		} else {
			b.asks.Set(lvl.Price, lvl.Quantity)
		}
	}
	b.asOf = asOf
}

// snapshot copies out the top depth levels, bids descending and asks
// ascending.
func (b *book) snapshot(depth int) models.OrderBookSnapshot {
	snap := models.OrderBookSnapshot{
		Symbol:  b.symbol,
		VenueID: b.venueID,
		AsOf:    b.asOf,
	}
	b.bids.Reverse(func(price, qty float64) bool {
		snap.Bids = append(snap.Bids, models.OrderBookLevel{Price: price, Quantity: qty})
		return depth <= 0 || len(snap.Bids) < depth
	})
	b.asks.Scan(func(price, qty float64) bool {
		snap.Asks = append(snap.Asks, models.OrderBookLevel{Price: price, Quantity: qty})
		return depth <= 0 || len(snap.Asks) < depth
	})
	return snap
}
