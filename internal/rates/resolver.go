package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/metrics"
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Lookup resolves the rate for a utility type, billing month and tier.
type Lookup interface {
	Resolve(ctx context.Context, utilityType string, month Month, tier TierQuery) (Resolution, error)
}

// DefaultEstimatedPrices are the per-unit prices of the estimated floor.
var DefaultEstimatedPrices = map[string]decimal.Decimal{
	UtilityElectricity: decimal.RequireFromString("4.50"),
	UtilityWater:       decimal.RequireFromString("15.00"),
}

type ResolverConfig struct {
	// CatalogTimeout bounds each catalog read; zero leaves only the
	// caller's deadline.
	CatalogTimeout time.Duration
	// FallbackWindow is how recent a previous-month rate must be to keep
	// medium confidence. Defaults to 90 days.
	FallbackWindow  time.Duration
	EstimatedPrices map[string]decimal.Decimal
	// DisableEstimatedFloor makes Resolve return ErrNoApplicableRate
	// instead of a synthetic estimate.
	DisableEstimatedFloor bool
}

// Resolver picks exactly one rate per lookup: an official rate effective in
// the month, else one from the preceding month, else the estimated floor.
type Resolver struct {
	catalog Catalog
	clock   clock.Clock
	cfg     ResolverConfig
	logger  *zap.Logger
}

func NewResolver(catalog Catalog, clk clock.Clock, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = 90 * 24 * time.Hour
	}
	if cfg.EstimatedPrices == nil {
		cfg.EstimatedPrices = DefaultEstimatedPrices
	}
	return &Resolver{
		catalog: catalog,
		clock:   clk,
		cfg:     cfg,
		logger:  logger.Named("resolver"),
	}
}

func (r *Resolver) Resolve(ctx context.Context, utilityType string, month Month, tier TierQuery) (Resolution, error) {
	list, err := r.listRates(ctx, utilityType)
	if err != nil {
		metrics.CatalogErrorsTotal.WithLabelValues(utilityType).Inc()
		r.logger.Warn("rate catalog unavailable, falling back to estimate",
			zap.String("utility_type", utilityType),
			zap.String("billing_month", month.String()),
			zap.Error(err),
		)
		return r.floor(utilityType, month, err)
	}

	if rv, ok := pickOfficial(list, month, tier); ok {
		return r.observe(utilityType, Resolution{Rate: rv, Confidence: ConfidenceHigh, Source: SourceOfficial}), nil
	}

	if rv, ok := pickOfficial(list, month.Prev(), tier); ok {
		conf := ConfidenceLow
		if r.clock.Now().Sub(rv.EffectiveDate) <= r.cfg.FallbackWindow {
			conf = ConfidenceMedium
		}
		return r.observe(utilityType, Resolution{Rate: rv, Confidence: conf, Source: SourceFallback}), nil
	}

	return r.floor(utilityType, month, nil)
}

// listRates reads the catalog under the configured timeout. A catalog that
// ignores its context still cannot hold the caller past the deadline.
func (r *Resolver) listRates(ctx context.Context, utilityType string) ([]storage.RateVersion, error) {
	if r.cfg.CatalogTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CatalogTimeout)
		defer cancel()
	}

	type result struct {
		list []storage.RateVersion
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		list, err := r.catalog.ListRates(ctx, utilityType)
		ch <- result{list: list, err: err}
	}()

	select {
	case res := <-ch:
		return res.list, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, ctx.Err())
	}
}

func (r *Resolver) floor(utilityType string, month Month, cause error) (Resolution, error) {
	if r.cfg.DisableEstimatedFloor {
		if cause != nil {
			return Resolution{}, fmt.Errorf("%w: %s %s: %w", ErrNoApplicableRate, utilityType, month, cause)
		}
		return Resolution{}, fmt.Errorf("%w: %s %s", ErrNoApplicableRate, utilityType, month)
	}
	price, ok := r.cfg.EstimatedPrices[utilityType]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: no estimated price for utility type %q", ErrNoApplicableRate, utilityType)
	}
	return r.observe(utilityType, Resolution{
		Rate:       EstimatedRate(utilityType, month, price),
		Confidence: ConfidenceLow,
		Source:     SourceEstimated,
	}), nil
}

func (r *Resolver) observe(utilityType string, res Resolution) Resolution {
	metrics.RateResolutionsTotal.WithLabelValues(utilityType, string(res.Source), string(res.Confidence)).Inc()
	return res
}

// EstimatedRate builds the synthetic flat rate of the estimated floor. Its
// id is stable per utility type so repeated estimates compare equal.
func EstimatedRate(utilityType string, month Month, price decimal.Decimal) storage.RateVersion {
	return storage.RateVersion{
		ID:                 "estimated:" + utilityType,
		UtilityType:        utilityType,
		PricePerUnit:       price,
		EffectiveDate:      month.Start(),
		SeasonalMultiplier: one,
		Source:             string(SourceEstimated),
	}
}

// pickOfficial returns the official candidate effective inside month that
// serves the tier query. Ties go to the latest effective date, then the
// latest creation time, then the highest version.
func pickOfficial(list []storage.RateVersion, month Month, tier TierQuery) (storage.RateVersion, bool) {
	var best storage.RateVersion
	found := false
	for _, rv := range list {
		if rv.Source != "" && rv.Source != string(SourceOfficial) {
			continue
		}
		if !month.Contains(rv.EffectiveDate) || !matchesTier(rv, tier) {
			continue
		}
		if !found || newer(rv, best) {
			best = rv
			found = true
		}
	}
	return best, found
}

func newer(a, b storage.RateVersion) bool {
	if !a.EffectiveDate.Equal(b.EffectiveDate) {
		return a.EffectiveDate.After(b.EffectiveDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.ID > b.ID
}
