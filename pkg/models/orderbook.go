package models

import (
	"time"
)

// OrderBookLevel is a single price level of an order book side.
type OrderBookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBookSnapshot is a bounded-depth copy of one venue's book for a symbol.
// Bids are sorted descending by price, asks ascending.
type OrderBookSnapshot struct {
	Symbol  string           `json:"symbol"`
	VenueID string           `json:"venueId"`
	Bids    []OrderBookLevel `json:"bids"`
	Asks    []OrderBookLevel `json:"asks"`
	AsOf    time.Time        `json:"asOf"`
}

// DepthTotals is the notional value resting in the top levels of each side.
type DepthTotals struct {
	Bids  float64 `json:"bids"`
	Asks  float64 `json:"asks"`
	Total float64 `json:"total"`
}

// Depth sums price*quantity over the top levels of both sides. levels <= 0
// means the whole snapshot.
func (s *OrderBookSnapshot) Depth(levels int) DepthTotals {
	sum := func(side []OrderBookLevel) float64 {
		n := len(side)
		if levels > 0 && levels < n {
			n = levels
		}
		var total float64
		for _, lvl := range side[:n] {
			total += lvl.Price * lvl.Quantity
		}
		return total
	}
	d := DepthTotals{Bids: sum(s.Bids), Asks: sum(s.Asks)}
	d.Total = d.Bids + d.Asks
	return d
}

// BookFill is the result of walking the book for a hypothetical order.
type BookFill struct {
	AvgPrice        float64 `json:"avgPrice"`
	SlippagePercent float64 `json:"slippagePercent"`
	TotalCost       float64 `json:"totalCost"`
}

// WalkBook simulates filling an order of the given size against the snapshot
// and returns the volume-weighted fill price and the slippage against the top
// of the consumed side. ok is false when the book holds too little liquidity.
func (s *OrderBookSnapshot) WalkBook(size float64, side Side) (BookFill, bool) {
	book := s.Asks
	if side == SideSell {
		book = s.Bids
	}
	if size <= 0 || len(book) == 0 {
		return BookFill{}, false
	}

	remaining := size
	var cost float64
	for _, lvl := range book {
		if remaining <= 0 {
			break
		}
		take := remaining
		if lvl.Quantity < take {
			take = lvl.Quantity
		}
		cost += take * lvl.Price
		remaining -= take
	}
	if remaining > 0 {
		return BookFill{}, false
	}

	avg := cost / size
	ref := book[0].Price
	var slip float64
	if ref != 0 {
		slip = (avg - ref) / ref * 100
		if slip < 0 {
			slip = -slip
		}
	}
	return BookFill{AvgPrice: avg, SlippagePercent: slip, TotalCost: cost}, true
}
