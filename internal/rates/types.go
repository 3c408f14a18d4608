package rates

import (
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/shopspring/decimal"
)

const (
	UtilityElectricity = "electricity"
	UtilityWater       = "water"
)

// Source is where a resolved rate came from. The string values are the
// persisted rate_source enumeration.
type Source string

const (
	SourceOfficial  Source = "official"
	SourceFallback  Source = "fallback"
	SourceEstimated Source = "estimated"
	SourceManual    Source = "manual"
)

// Rank orders sources by trust: official and manual outrank fallback, which
// outranks estimated. Unknown or empty sources rank lowest.
func (s Source) Rank() int {
	switch s {
	case SourceOfficial, SourceManual:
		return 2
	case SourceFallback:
		return 1
	default:
		return 0
	}
}

func (s Source) Valid() bool {
	switch s {
	case SourceOfficial, SourceFallback, SourceEstimated, SourceManual:
		return true
	}
	return false
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Score maps a confidence grade onto the numeric forecast_confidence column.
func (c Confidence) Score() float64 {
	switch c {
	case ConfidenceHigh:
		return 0.9
	case ConfidenceMedium:
		return 0.6
	default:
		return 0.3
	}
}

// Resolution is the single rate that applies to a lookup.
type Resolution struct {
	Rate       storage.RateVersion `json:"rate"`
	Confidence Confidence          `json:"confidence"`
	Source     Source              `json:"source"`
}

// Cost is the priced outcome of a consumption quantity under a Resolution.
type Cost struct {
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	RateVersionID string          `json:"rate_version_id"`
	RateSource    Source          `json:"rate_source"`
	Confidence    Confidence      `json:"confidence"`
}
