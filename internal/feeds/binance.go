package feeds

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/liquidityflow/liquidityflow/pkg/errors"
	"github.com/liquidityflow/liquidityflow/pkg/models"
)

// binanceCodec speaks the Binance combined-stream protocol. Subscriptions
// go through the SUBSCRIBE method on the raw /ws endpoint, so ticker frames
// may arrive either bare or wrapped in a {stream, data} envelope.
type binanceCodec struct{}

func (binanceCodec) Name() string { return "binance" }

func (binanceCodec) SubscribePayload(symbols []string) interface{} {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@ticker")
	}
	return map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().Unix(),
	}
}

type binanceStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceTicker struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	PriceChange   string `json:"p"`
	ChangePercent string `json:"P"`
	LastPrice     string `json:"c"`
	BidPrice      string `json:"b"`
	BidQty        string `json:"B"`
	AskPrice      string `json:"a"`
	AskQty        string `json:"A"`
	High          string `json:"h"`
	Low           string `json:"l"`
	Volume        string `json:"v"`
}

func (c binanceCodec) Decode(venueID string, raw []byte) (*models.Quote, error) {
	var envelope binanceStreamEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, apperrors.WrapValidation(err, "unparseable binance frame")
	}

	payload := raw
	if len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var t binanceTicker
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, apperrors.WrapValidation(err, "unparseable binance ticker")
	}
	if t.EventType != "24hrTicker" || t.Symbol == "" {
		// Subscription acks and other stream kinds are not errors.
		return nil, nil
	}
	return c.toQuote(venueID, t)
}

func (binanceCodec) toQuote(venueID string, t binanceTicker) (*models.Quote, error) {
	prices, err := parsePrices([]string{
		t.BidPrice, t.AskPrice, t.BidQty, t.AskQty,
		t.LastPrice, t.Volume, t.High, t.Low,
		t.PriceChange, t.ChangePercent,
	})
	if err != nil {
		return nil, err
	}
	return &models.Quote{
		Symbol:           t.Symbol,
		VenueID:          venueID,
		Timestamp:        millisToTime(t.EventTime),
		BidPrice:         prices[0],
		AskPrice:         prices[1],
		BidVolume:        prices[2],
		AskVolume:        prices[3],
		LastPrice:        prices[4],
		Volume24h:        prices[5],
		High24h:          prices[6],
		Low24h:           prices[7],
		Change24h:        prices[8],
		ChangePercent24h: prices[9],
	}, nil
}

func (binanceCodec) TickerPath(symbol string) string {
	return "/api/v3/ticker/24hr?symbol=" + symbol
}

type binanceRestTicker struct {
	Symbol        string `json:"symbol"`
	PriceChange   string `json:"priceChange"`
	ChangePercent string `json:"priceChangePercent"`
	LastPrice     string `json:"lastPrice"`
	BidPrice      string `json:"bidPrice"`
	BidQty        string `json:"bidQty"`
	AskPrice      string `json:"askPrice"`
	AskQty        string `json:"askQty"`
	High          string `json:"highPrice"`
	Low           string `json:"lowPrice"`
	Volume        string `json:"volume"`
	CloseTime     int64  `json:"closeTime"`
}

func (c binanceCodec) DecodeTicker(venueID, symbol string, body []byte) (*models.Quote, error) {
	var t binanceRestTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, apperrors.WrapValidation(err, "unparseable binance rest ticker")
	}
	if t.Symbol == "" {
		t.Symbol = symbol
	}
	return c.toQuote(venueID, binanceTicker{
		EventType:     "24hrTicker",
		EventTime:     t.CloseTime,
		Symbol:        t.Symbol,
		PriceChange:   t.PriceChange,
		ChangePercent: t.ChangePercent,
		LastPrice:     t.LastPrice,
		BidPrice:      t.BidPrice,
		BidQty:        t.BidQty,
		AskPrice:      t.AskPrice,
		AskQty:        t.AskQty,
		High:          t.High,
		Low:           t.Low,
		Volume:        t.Volume,
	})
}
