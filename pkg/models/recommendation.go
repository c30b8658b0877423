package models

import (
	"time"
)

// Strategy identifies a routing strategy family.
type Strategy string

const (
	StrategySingleVenue  Strategy = "single_venue"
	StrategyMultiVenue   Strategy = "multi_venue"
	StrategyTimeWeighted Strategy = "time_weighted"
)

// MarketCondition classifies the liquidity regime for a symbol.
type MarketCondition string

const (
	ConditionNormal    MarketCondition = "normal"
	ConditionIlliquid  MarketCondition = "illiquid"
	ConditionLowVolume MarketCondition = "low_volume"
)

// VenueAllocation is one leg of a routing plan.
type VenueAllocation struct {
	VenueID          string  `json:"venueId"`
	Fraction         float64 `json:"fraction"`
	ExpectedPrice    float64 `json:"expectedPrice"`
	ExpectedSlippage float64 `json:"expectedSlippage"`
}

// ExecutionTiming says whether to execute now or wait.
type ExecutionTiming struct {
	Immediate    bool   `json:"immediate"`
	DelaySeconds int    `json:"delaySeconds"`
	Reason       string `json:"reason"`
}

// SlippageRange bounds the per-venue slippage predictions.
type SlippageRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// EstimatedSavings compares the chosen plan against the worst single venue.
type EstimatedSavings struct {
	SlippageReduction float64 `json:"slippageReduction"`
	Percentage        float64 `json:"percentage"`
}

// Alternative is a strategy the advisor considered but did not choose.
type Alternative struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Tradeoffs   string `json:"tradeoffs"`
}

// OrderSizing is the advisor's size adjustment for the requested order.
type OrderSizing struct {
	RecommendedSize      float64 `json:"recommendedSize"`
	OriginalSize         float64 `json:"originalSize"`
	Reasoning            string  `json:"reasoning"`
	LiquidityUtilization float64 `json:"liquidityUtilization"`
}

// Recommendation is the advisor's consolidated answer for one request. It is
// ephemeral: recomputed per request and never persisted.
type Recommendation struct {
	Symbol           string            `json:"symbol"`
	Side             Side              `json:"side"`
	OrderSize        float64           `json:"orderSize"`
	Confidence       int               `json:"confidence"`
	Strategy         Strategy          `json:"strategy"`
	Reasoning        string            `json:"reasoning"`
	Allocation       []VenueAllocation `json:"allocation"`
	ExpectedSlippage float64           `json:"expectedSlippage"`
	SlippageRange    SlippageRange     `json:"slippageRange"`
	EstimatedSavings EstimatedSavings  `json:"estimatedSavings"`
	Timing           ExecutionTiming   `json:"timing"`
	OrderSizing      OrderSizing       `json:"orderSizing"`
	MarketCondition  MarketCondition   `json:"marketCondition"`
	DataQuality      float64           `json:"dataQuality"`
	Alternatives     []Alternative     `json:"alternatives"`
	AnalysisTime     time.Time         `json:"analysisTime"`
}
