package feeds

import (
	"encoding/json"
	"time"

	apperrors "github.com/liquidityflow/liquidityflow/pkg/errors"
	"github.com/liquidityflow/liquidityflow/pkg/models"
)

// coinbaseCodec speaks the Coinbase Exchange websocket feed, ticker channel.
type coinbaseCodec struct{}

func (coinbaseCodec) Name() string { return "coinbase" }

func (coinbaseCodec) SubscribePayload(symbols []string) interface{} {
	return map[string]interface{}{
		"type":        "subscribe",
		"product_ids": symbols,
		"channels":    []string{"ticker"},
	}
}

type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestBidSz string `json:"best_bid_size"`
	BestAsk   string `json:"best_ask"`
	BestAskSz string `json:"best_ask_size"`
	Volume24h string `json:"volume_24h"`
	High24h   string `json:"high_24h"`
	Low24h    string `json:"low_24h"`
	Open24h   string `json:"open_24h"`
	Time      string `json:"time"`
}

func (c coinbaseCodec) Decode(venueID string, raw []byte) (*models.Quote, error) {
	var t coinbaseTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, apperrors.WrapValidation(err, "unparseable coinbase frame")
	}
	if t.Type != "ticker" || t.ProductID == "" {
		return nil, nil
	}
	return c.toQuote(venueID, t)
}

func (coinbaseCodec) toQuote(venueID string, t coinbaseTicker) (*models.Quote, error) {
	prices, err := parsePrices([]string{
		t.BestBid, t.BestAsk, t.BestBidSz, t.BestAskSz,
		t.Price, t.Volume24h, t.High24h, t.Low24h, t.Open24h,
	})
	if err != nil {
		return nil, err
	}
	last, open := prices[4], prices[8]
	change := last - open
	changePct := 0.0
	if open != 0 {
		changePct = change / open * 100
	}

	var ts time.Time
	if t.Time != "" {
		parsed, err := time.Parse(time.RFC3339, t.Time)
		if err != nil {
			return nil, apperrors.WrapValidation(err, "bad coinbase timestamp")
		}
		ts = parsed
	}

	return &models.Quote{
		Symbol:           t.ProductID,
		VenueID:          venueID,
		Timestamp:        ts,
		BidPrice:         prices[0],
		AskPrice:         prices[1],
		BidVolume:        prices[2],
		AskVolume:        prices[3],
		LastPrice:        last,
		Volume24h:        prices[5],
		High24h:          prices[6],
		Low24h:           prices[7],
		Change24h:        change,
		ChangePercent24h: changePct,
	}, nil
}

func (coinbaseCodec) TickerPath(symbol string) string {
	return "/products/" + symbol + "/ticker"
}

type coinbaseRestTicker struct {
	Price  string `json:"price"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Volume string `json:"volume"`
	Time   string `json:"time"`
}

func (c coinbaseCodec) DecodeTicker(venueID, symbol string, body []byte) (*models.Quote, error) {
	var t coinbaseRestTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, apperrors.WrapValidation(err, "unparseable coinbase rest ticker")
	}
	return c.toQuote(venueID, coinbaseTicker{
		Type:      "ticker",
		ProductID: symbol,
		Price:     t.Price,
		BestBid:   t.Bid,
		BestAsk:   t.Ask,
		Volume24h: t.Volume,
		Time:      t.Time,
	})
}
