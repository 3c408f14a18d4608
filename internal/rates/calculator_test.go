package rates

import (
	"testing"

	"github.com/bher20/utilitycost/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate_Flat(t *testing.T) {
	res := Resolution{
		Rate:       flatRate("mar", "electricity", "10.50", day(2024, 3, 1)),
		Confidence: ConfidenceHigh,
		Source:     SourceOfficial,
	}
	cost := Calculate(dec("120"), res)
	assert.Equal(t, "1260", cost.EstimatedCost.String())
	assert.Equal(t, "mar", cost.RateVersionID)
	assert.Equal(t, SourceOfficial, cost.RateSource)
	assert.Equal(t, ConfidenceHigh, cost.Confidence)
}

func TestCalculate_SeasonalMultiplier(t *testing.T) {
	rv := flatRate("summer", "electricity", "2", day(2024, 7, 1))
	rv.SeasonalMultiplier = dec("1.25")
	assert.Equal(t, "250", Calculate(dec("100"), Resolution{Rate: rv}).EstimatedCost.String())

	rv.SeasonalMultiplier = dec("0")
	assert.Equal(t, "200", Calculate(dec("100"), Resolution{Rate: rv}).EstimatedCost.String(),
		"zero multiplier is treated as unset")
}

func TestCalculate_RoundsToCents(t *testing.T) {
	rv := flatRate("r", "water", "0.333", day(2024, 1, 1))
	assert.Equal(t, "3.33", Calculate(dec("10"), Resolution{Rate: rv}).EstimatedCost.String())
}

func TestTieredCost_Progressive(t *testing.T) {
	tiers := []storage.RateTier{
		{TierMin: dec("0"), TierMax: decp("10"), PricePerUnit: dec("5")},
		{TierMin: dec("10"), PricePerUnit: dec("8")},
	}
	assert.Equal(t, "90", TieredCost(dec("15"), tiers).String(), "10*5 + 5*8, not 15*8")
	assert.Equal(t, "40", TieredCost(dec("8"), tiers).String())
	assert.Equal(t, "50", TieredCost(dec("10"), tiers).String())
	assert.Equal(t, "0", TieredCost(dec("0"), tiers).String())
}

func TestTieredCost_BoundedLastTierOverflow(t *testing.T) {
	tiers := []storage.RateTier{
		{TierMin: dec("0"), TierMax: decp("10"), PricePerUnit: dec("1")},
		{TierMin: dec("10"), TierMax: decp("20"), PricePerUnit: dec("2")},
	}
	// 10*1 + 10*2 + 5*2
	assert.Equal(t, "40", TieredCost(dec("25"), tiers).String())
}

func TestCalculate_TieredWithMultiplier(t *testing.T) {
	rv := flatRate("t", "water", "0", day(2024, 1, 1))
	rv.SeasonalMultiplier = dec("2")
	rv.TieredRates = []storage.RateTier{
		{TierMin: dec("0"), TierMax: decp("10"), PricePerUnit: dec("5")},
		{TierMin: dec("10"), PricePerUnit: dec("8")},
	}
	assert.Equal(t, "180", Calculate(dec("15"), Resolution{Rate: rv}).EstimatedCost.String())
}

func TestValidateTiers(t *testing.T) {
	require.NoError(t, ValidateTiers(nil))
	require.NoError(t, ValidateTiers([]storage.RateTier{
		{TierMin: dec("0"), TierMax: decp("10"), PricePerUnit: dec("5")},
		{TierMin: dec("10"), PricePerUnit: dec("8")},
	}))

	bad := map[string][]storage.RateTier{
		"gap": {
			{TierMin: dec("0"), TierMax: decp("10"), PricePerUnit: dec("5")},
			{TierMin: dec("12"), PricePerUnit: dec("8")},
		},
		"unbounded not last": {
			{TierMin: dec("0"), PricePerUnit: dec("5")},
			{TierMin: dec("10"), TierMax: decp("20"), PricePerUnit: dec("8")},
		},
		"empty bracket": {
			{TierMin: dec("5"), TierMax: decp("5"), PricePerUnit: dec("5")},
		},
		"negative price": {
			{TierMin: dec("0"), PricePerUnit: dec("-1")},
		},
	}
	for name, tiers := range bad {
		assert.ErrorIs(t, ValidateTiers(tiers), ErrInvalidTiers, name)
	}
}
