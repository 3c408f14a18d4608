package rates

import (
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/shopspring/decimal"
)

// CostPlaces is the rounding applied to every computed cost.
const CostPlaces = 2

var one = decimal.NewFromInt(1)

// Calculate prices consumption under a resolved rate. Flat rates bill
// consumption * price; tiered rates bill each bracket at its own price.
// The seasonal multiplier applies to either total, and a zero multiplier is
// treated as unset.
func Calculate(consumption decimal.Decimal, res Resolution) Cost {
	var total decimal.Decimal
	if len(res.Rate.TieredRates) > 0 {
		total = TieredCost(consumption, res.Rate.TieredRates)
	} else {
		total = consumption.Mul(res.Rate.PricePerUnit)
	}
	total = total.Mul(seasonal(res.Rate.SeasonalMultiplier))

	return Cost{
		EstimatedCost: total.Round(CostPlaces),
		RateVersionID: res.Rate.ID,
		RateSource:    res.Source,
		Confidence:    res.Confidence,
	}
}

func seasonal(m decimal.Decimal) decimal.Decimal {
	if m.IsZero() {
		return one
	}
	return m
}

// TieredCost applies progressive billing. Consumption below the first
// tier's tier_min is billed at the first tier's price, and consumption past
// a bounded last tier is billed at that tier's price.
func TieredCost(consumption decimal.Decimal, tiers []storage.RateTier) decimal.Decimal {
	if !consumption.IsPositive() || len(tiers) == 0 {
		return decimal.Zero
	}

	total := decimal.Zero
	if first := tiers[0]; first.TierMin.IsPositive() {
		total = total.Add(decimal.Min(consumption, first.TierMin).Mul(first.PricePerUnit))
	}

	for _, t := range tiers {
		if !consumption.GreaterThan(t.TierMin) {
			break
		}
		upper := consumption
		if t.TierMax != nil && consumption.GreaterThan(*t.TierMax) {
			upper = *t.TierMax
		}
		total = total.Add(upper.Sub(t.TierMin).Mul(t.PricePerUnit))
	}

	last := tiers[len(tiers)-1]
	if last.TierMax != nil && consumption.GreaterThan(*last.TierMax) {
		total = total.Add(consumption.Sub(*last.TierMax).Mul(last.PricePerUnit))
	}
	return total
}
