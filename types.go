package kinko

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecommendationEvent is the public view of a finished scenario run, delivered
// to every RecommendationHook. It is a curated copy of the internal event with
// no internal package imports.
type RecommendationEvent struct {
	ScenarioID     uuid.UUID
	BatchID        uuid.UUID
	Mode           string // conservative, balanced, aggressive, custom
	Strategy       string // baseline, debate, workflow
	Status         string // completed or failed
	Confidence     float64
	BaseConfidence float64
	TransferAmount decimal.Decimal

	// Degraded is true when the recommendation text came from the
	// deterministic fallback rather than the generator.
	Degraded bool
	Error    string
	Duration time.Duration
}

// MarketSnapshot is the market context supplied by a MarketProvider.
type MarketSnapshot struct {
	FedFundsRate     float64
	Treasury3MYield  float64
	MoneyMarketYield float64
	Source           string
	AsOf             time.Time
}
