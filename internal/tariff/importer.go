package tariff

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/storage"
)

// Catalog is the publication surface the importer writes to.
type Catalog interface {
	rates.Catalog
	Publish(ctx context.Context, rv storage.RateVersion, makeCurrent bool) (storage.RateVersion, error)
}

type ImportOptions struct {
	// EffectiveDate overrides the date read off the sheet.
	EffectiveDate time.Time
	// Version defaults to one past the highest published version.
	Version int
	// KeepCurrent publishes without replacing the current version.
	KeepCurrent bool
}

// Importer publishes parsed tariff sheets as official rate versions.
type Importer struct {
	catalog Catalog
	clock   clock.Clock
	logger  *zap.Logger
}

func NewImporter(catalog Catalog, clk clock.Clock, logger *zap.Logger) *Importer {
	return &Importer{catalog: catalog, clock: clk, logger: logger.Named("tariff")}
}

// ImportFile parses the document at path with the provider's parser and
// publishes the result.
func (i *Importer) ImportFile(ctx context.Context, providerKey, path string, opts ImportOptions) (storage.RateVersion, error) {
	sheet, err := ParseFile(providerKey, path)
	if err != nil {
		return storage.RateVersion{}, err
	}
	return i.Publish(ctx, sheet, opts)
}

// Publish stores sheet as a new rate version of its utility type.
func (i *Importer) Publish(ctx context.Context, sheet Sheet, opts ImportOptions) (storage.RateVersion, error) {
	rv := sheet.RateVersion()
	if !opts.EffectiveDate.IsZero() {
		rv.EffectiveDate = opts.EffectiveDate.UTC()
	}
	if rv.EffectiveDate.IsZero() {
		return rv, fmt.Errorf("%w: %s sheet states no effective date", rates.ErrInvalidInput, sheet.Provider)
	}

	rv.Version = opts.Version
	if rv.Version <= 0 {
		existing, err := i.catalog.ListRates(ctx, rv.UtilityType)
		if err != nil {
			return rv, err
		}
		for _, e := range existing {
			if e.Version >= rv.Version {
				rv.Version = e.Version + 1
			}
		}
		if rv.Version <= 0 {
			rv.Version = 1
		}
	}
	now := i.clock.Now()
	rv.PublishDate = &now

	stored, err := i.catalog.Publish(ctx, rv, !opts.KeepCurrent)
	if err != nil {
		return stored, err
	}
	i.logger.Info("tariff imported",
		zap.String("provider", sheet.Provider),
		zap.String("utility_type", stored.UtilityType),
		zap.String("rate_version_id", stored.ID),
		zap.Int("version", stored.Version),
		zap.Time("effective_date", stored.EffectiveDate),
		zap.Int("tiers", len(stored.TieredRates)),
	)
	return stored, nil
}
