package rates

import (
	"context"
	"errors"
	"math"

	"github.com/bher20/utilitycost/internal/storage"
	"github.com/shopspring/decimal"
)

var ErrInsufficientHistory = errors.New("not enough consumption history to forecast")

// CostForecast is a derived prediction for a future billing month. It is
// recomputed on demand and never persisted.
type CostForecast struct {
	UtilityType          string          `json:"utility_type"`
	BillingMonth         string          `json:"billing_month"`
	PredictedConsumption decimal.Decimal `json:"predicted_consumption"`
	PredictedCost        decimal.Decimal `json:"predicted_cost"`
	CostLow              decimal.Decimal `json:"cost_low"`
	CostHigh             decimal.Decimal `json:"cost_high"`
	Confidence           Confidence      `json:"confidence"`
	RateSource           Source          `json:"rate_source"`
	RateVersionID        string          `json:"rate_version_id"`
	BasedOnMonths        []string        `json:"based_on_months"`
}

type HistoryReader interface {
	ListConsumptionRecords(ctx context.Context, f storage.ConsumptionFilter) ([]storage.ConsumptionRecord, error)
}

// Forecaster predicts next-month cost from the mean of a user's recent
// consumption, with a one standard deviation band.
type Forecaster struct {
	history HistoryReader
	lookup  Lookup
	months  int
}

func NewForecaster(history HistoryReader, lookup Lookup) *Forecaster {
	return &Forecaster{history: history, lookup: lookup, months: 3}
}

func (f *Forecaster) Forecast(ctx context.Context, userID, utilityType string, target Month) (CostForecast, error) {
	recs, err := f.history.ListConsumptionRecords(ctx, storage.ConsumptionFilter{
		UserID:      userID,
		UtilityType: utilityType,
		Before:      target.String(),
		Limit:       f.months,
	})
	if err != nil {
		return CostForecast{}, err
	}
	if len(recs) == 0 {
		return CostForecast{}, ErrInsufficientHistory
	}

	values := make([]float64, 0, len(recs))
	months := make([]string, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		values = append(values, recs[i].Consumption.InexactFloat64())
		months = append(months, recs[i].BillingMonth)
	}
	mean, sd := meanStdDev(values)

	res, err := f.lookup.Resolve(ctx, utilityType, target, TierQuery{})
	if err != nil {
		return CostForecast{}, err
	}

	predicted := decimal.NewFromFloat(mean).Round(4)
	low := decimal.NewFromFloat(math.Max(0, mean-sd))
	high := decimal.NewFromFloat(mean + sd)
	cost := Calculate(predicted, res)

	conf := res.Confidence
	if len(values) < 2 {
		conf = ConfidenceLow
	}

	return CostForecast{
		UtilityType:          utilityType,
		BillingMonth:         target.String(),
		PredictedConsumption: predicted,
		PredictedCost:        cost.EstimatedCost,
		CostLow:              Calculate(low, res).EstimatedCost,
		CostHigh:             Calculate(high, res).EstimatedCost,
		Confidence:           conf,
		RateSource:           res.Source,
		RateVersionID:        res.Rate.ID,
		BasedOnMonths:        months,
	}, nil
}

func meanStdDev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
