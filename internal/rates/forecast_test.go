package rates

import (
	"context"
	"testing"
	"time"

	"github.com/bher20/utilitycost/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForecast_MeanAndBand(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	for i, c := range []string{"90", "100", "110", "500"} {
		month := Month{2024, time.Month(i + 1)}
		require.NoError(t, st.CreateConsumptionRecord(ctx, storage.ConsumptionRecord{
			ID: month.String(), UserID: "u1", UtilityType: "electricity",
			BillingMonth: month.String(), Consumption: dec(c),
		}))
	}
	cat := &stubCatalog{rates: []storage.RateVersion{flatRate("apr", "electricity", "2", day(2024, 4, 1))}}
	f := NewForecaster(st, newTestResolver(cat, day(2024, 4, 2), ResolverConfig{}))

	fc, err := f.Forecast(ctx, "u1", "electricity", Month{2024, time.April})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01", "2024-02", "2024-03"}, fc.BasedOnMonths)
	assert.Equal(t, "100", fc.PredictedConsumption.String())
	assert.Equal(t, "200", fc.PredictedCost.String())
	assert.True(t, fc.CostLow.LessThan(fc.PredictedCost))
	assert.True(t, fc.CostHigh.GreaterThan(fc.PredictedCost))
	assert.Equal(t, ConfidenceHigh, fc.Confidence)
	assert.Equal(t, "apr", fc.RateVersionID)
}

func TestForecast_NoHistory(t *testing.T) {
	f := NewForecaster(storage.NewMemory(), newTestResolver(&stubCatalog{}, day(2024, 4, 2), ResolverConfig{}))
	_, err := f.Forecast(context.Background(), "u1", "water", Month{2024, time.April})
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}
