package hub

import (
	"github.com/liquidityflow/liquidityflow/pkg/models"
)

// Bus topic names shared with the subscription broker. A symbol- or
// user-scoped event travels on "topic:selector".
const (
	TopicMarketData          = "market-data"
	TopicTradeUpdates        = "trade-updates"
	TopicAIRecommendations   = "ai-recommendations"
	TopicSystemNotifications = "system-notifications"
	TopicUserNotifications   = "user-notifications"
)

// Channel joins a topic with an optional selector.
func Channel(topic, selector string) string {
	if selector == "" {
		return topic
	}
	return topic + ":" + selector
}

// QuoteEvent is published on market-data:SYMBOL for every accepted quote.
type QuoteEvent struct {
	Quote     models.Quote `json:"quote"`
	Anomalies []string     `json:"anomalies,omitempty"`
}

// DepthEvent is published on market-data:SYMBOL when a venue book updates.
type DepthEvent struct {
	Snapshot models.OrderBookSnapshot `json:"snapshot"`
}

// HealthEvent is published on system-notifications when a venue changes
// status.
type HealthEvent struct {
	Health models.VenueHealth `json:"health"`
}
