package rates

import (
	"fmt"

	"github.com/bher20/utilitycost/internal/storage"
	"github.com/shopspring/decimal"
)

// TierQuery bounds a lookup to a consumption bracket. Both bounds nil means
// "the base bracket": the tier starting at zero, or a flat rate.
type TierQuery struct {
	Min *decimal.Decimal `json:"tier_min,omitempty"`
	Max *decimal.Decimal `json:"tier_max,omitempty"`
}

func (q TierQuery) IsZero() bool { return q.Min == nil && q.Max == nil }

// Key is a stable text form used for coalescing identical lookups.
func (q TierQuery) Key() string {
	lo, hi := "-", "-"
	if q.Min != nil {
		lo = q.Min.String()
	}
	if q.Max != nil {
		hi = q.Max.String()
	}
	return lo + ":" + hi
}

// ValidateTiers checks that tiers ascend by tier_min, are contiguous and
// non-overlapping, and that only the last tier may be unbounded.
func ValidateTiers(tiers []storage.RateTier) error {
	for i, t := range tiers {
		if t.TierMin.IsNegative() {
			return fmt.Errorf("%w: tier %d has negative tier_min", ErrInvalidTiers, i)
		}
		if t.PricePerUnit.IsNegative() {
			return fmt.Errorf("%w: tier %d has negative price", ErrInvalidTiers, i)
		}
		if t.TierMax == nil {
			if i != len(tiers)-1 {
				return fmt.Errorf("%w: unbounded tier %d is not last", ErrInvalidTiers, i)
			}
			continue
		}
		if !t.TierMax.GreaterThan(t.TierMin) {
			return fmt.Errorf("%w: tier %d has tier_max <= tier_min", ErrInvalidTiers, i)
		}
		if i+1 < len(tiers) && !tiers[i+1].TierMin.Equal(*t.TierMax) {
			return fmt.Errorf("%w: tier %d does not start where tier %d ends", ErrInvalidTiers, i+1, i)
		}
	}
	return nil
}

// matchesTier reports whether a rate version can serve the tier query.
func matchesTier(rv storage.RateVersion, q TierQuery) bool {
	if len(rv.TieredRates) == 0 {
		return true
	}
	for _, t := range rv.TieredRates {
		if tierMatches(t, q) {
			return true
		}
	}
	return false
}

func tierMatches(t storage.RateTier, q TierQuery) bool {
	if q.IsZero() {
		return t.TierMin.IsZero()
	}
	lo := decimal.Zero
	if q.Min != nil {
		lo = *q.Min
	}
	if lo.LessThan(t.TierMin) {
		return false
	}
	if t.TierMax == nil {
		return true
	}
	if !lo.LessThan(*t.TierMax) {
		return false
	}
	return q.Max == nil || !q.Max.GreaterThan(*t.TierMax)
}
