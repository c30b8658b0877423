// Package feeds runs one adapter per upstream venue: a websocket client
// decoding the venue's native stream into canonical quotes, a REST backup
// poller for when the stream is down, and the retry state machine that
// degrades a venue after repeated failures instead of retrying forever.
package feeds

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/liquidityflow/liquidityflow/pkg/errors"
	"github.com/liquidityflow/liquidityflow/pkg/models"
)

// Codec translates between one venue's wire format and the canonical model.
// Decode returns (nil, nil) for frames that carry no ticker data, such as
// subscription acks and heartbeats.
type Codec interface {
	Name() string

	// SubscribePayload builds the frame sent after connecting to start the
	// ticker stream for the given symbols.
	SubscribePayload(symbols []string) interface{}

	// Decode parses one websocket frame into a quote.
	Decode(venueID string, raw []byte) (*models.Quote, error)

	// TickerPath returns the REST path of the 24h ticker for a symbol,
	// relative to the venue's REST base URL.
	TickerPath(symbol string) string

	// DecodeTicker parses a REST ticker response body into a quote.
	DecodeTicker(venueID, symbol string, body []byte) (*models.Quote, error)
}

// CodecFor resolves a codec by its config name.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "binance":
		return binanceCodec{}, nil
	case "coinbase":
		return coinbaseCodec{}, nil
	default:
		return nil, apperrors.Validationf("unknown venue codec %q", name)
	}
}

// parsePrice converts a venue decimal string to float64. Venues quote
// prices as strings; going through decimal avoids locale and exponent
// surprises in the parse.
func parsePrice(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, apperrors.WrapValidation(err, fmt.Sprintf("bad decimal %q", s))
	}
	return d.InexactFloat64(), nil
}

// parsePrices converts a batch, failing on the first bad value.
func parsePrices(values []string) ([]float64, error) {
	out := make([]float64, len(values))
	for i, s := range values {
		f, err := parsePrice(s)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
