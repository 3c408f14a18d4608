package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Catalog is the read surface over published rate versions. No data is
// reported as an empty list or a nil rate; errors mean the catalog itself
// could not be reached.
type Catalog interface {
	ListRates(ctx context.Context, utilityType string) ([]storage.RateVersion, error)
	CurrentRate(ctx context.Context, utilityType string) (*storage.RateVersion, error)
}

// StorageCatalog serves the catalog from storage and accepts new versions
// from the publication adapter.
type StorageCatalog struct {
	store storage.Storage
	clock clock.Clock
}

func NewStorageCatalog(store storage.Storage, clk clock.Clock) *StorageCatalog {
	return &StorageCatalog{store: store, clock: clk}
}

func (c *StorageCatalog) ListRates(ctx context.Context, utilityType string) ([]storage.RateVersion, error) {
	list, err := c.store.ListRateVersions(ctx, utilityType)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrCatalogUnavailable, utilityType, err)
	}
	return list, nil
}

func (c *StorageCatalog) CurrentRate(ctx context.Context, utilityType string) (*storage.RateVersion, error) {
	rv, err := c.store.GetCurrentRateVersion(ctx, utilityType)
	if err != nil {
		return nil, fmt.Errorf("%w: current %s: %v", ErrCatalogUnavailable, utilityType, err)
	}
	return rv, nil
}

// Publish validates and stores a new immutable rate version. With
// makeCurrent set it replaces the utility type's current version.
func (c *StorageCatalog) Publish(ctx context.Context, rv storage.RateVersion, makeCurrent bool) (storage.RateVersion, error) {
	if rv.UtilityType == "" {
		return rv, fmt.Errorf("%w: rate version: utility_type is required", ErrInvalidInput)
	}
	if rv.EffectiveDate.IsZero() {
		return rv, fmt.Errorf("%w: rate version: effective_date is required", ErrInvalidInput)
	}
	if rv.PricePerUnit.IsNegative() {
		return rv, fmt.Errorf("%w: rate version: negative price_per_unit", ErrInvalidInput)
	}
	if rv.Source == "" {
		rv.Source = string(SourceOfficial)
	}
	if !Source(rv.Source).Valid() {
		return rv, fmt.Errorf("%w: rate version: unknown source %q", ErrInvalidInput, rv.Source)
	}
	if err := ValidateTiers(rv.TieredRates); err != nil {
		return rv, err
	}
	if rv.SeasonalMultiplier.IsZero() {
		rv.SeasonalMultiplier = decimal.NewFromInt(1)
	}
	if rv.ID == "" {
		rv.ID = uuid.NewString()
	}
	rv.EffectiveDate = rv.EffectiveDate.UTC()
	rv.CreatedAt = c.clock.Now().Truncate(time.Microsecond)
	rv.IsCurrent = makeCurrent

	if err := c.store.CreateRateVersion(ctx, rv); err != nil {
		return rv, fmt.Errorf("publish rate version: %w", err)
	}
	return rv, nil
}
