// Package recalc turns rate transitions into rate update events and rewrites
// the stored costs of the consumption records those events affect.
package recalc

import (
	"context"
	"errors"
	"fmt"

	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/lock"
	"github.com/bher20/utilitycost/internal/metrics"
	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Outcome is the result of one detection pass for a utility type.
type Outcome string

const (
	// OutcomeUnchanged means the current rate is the one the cursor holds.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeClaimHeld means another detector owns the utility's cursor.
	OutcomeClaimHeld Outcome = "claim_held"
	// OutcomeNoCostChange means the transition moved no stored cost.
	OutcomeNoCostChange Outcome = "no_cost_change"
	// OutcomeDuplicate means an event for the same transition already exists.
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeCreated   Outcome = "created"
)

// Detection reports what a Detect call did. Event is set only for
// OutcomeCreated.
type Detection struct {
	Outcome Outcome
	Event   *storage.RateUpdateEvent
}

// Detector compares each utility type's current rate version with the
// cursor it last observed and emits a RateUpdateEvent for real transitions.
type Detector struct {
	store   storage.Storage
	catalog rates.Catalog
	lookup  rates.Lookup
	locker  lock.Locker
	clock   clock.Clock
	logger  *zap.Logger
}

// NewDetector builds a Detector. lookup should be an uncoalesced resolver so
// the pass sees the version that was just published.
func NewDetector(store storage.Storage, catalog rates.Catalog, lookup rates.Lookup, locker lock.Locker, clk clock.Clock, logger *zap.Logger) *Detector {
	return &Detector{
		store:   store,
		catalog: catalog,
		lookup:  lookup,
		locker:  locker,
		clock:   clk,
		logger:  logger.Named("detector"),
	}
}

// Detect runs one pass for utilityType under the utility's exclusive claim.
func (d *Detector) Detect(ctx context.Context, utilityType string) (Detection, error) {
	log := d.logger.With(zap.String("utility_type", utilityType))

	claim, ok, err := d.locker.TryAcquire(ctx, lock.UtilityKey(utilityType))
	if err != nil {
		return Detection{}, fmt.Errorf("claim %s cursor: %w", utilityType, err)
	}
	if !ok {
		log.Debug("cursor claimed by another detector, skipping")
		return d.outcome(utilityType, Detection{Outcome: OutcomeClaimHeld}), nil
	}
	defer func() {
		if err := claim.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release cursor claim failed", zap.Error(err))
		}
	}()

	current, err := d.catalog.CurrentRate(ctx, utilityType)
	if err != nil {
		return Detection{}, err
	}
	if current == nil {
		return d.outcome(utilityType, Detection{Outcome: OutcomeUnchanged}), nil
	}

	cursor, err := d.store.GetRateCursor(ctx, utilityType)
	if err != nil {
		return Detection{}, fmt.Errorf("read %s cursor: %w", utilityType, err)
	}
	oldID := ""
	if cursor != nil {
		oldID = cursor.LastRateVersionID
	}
	if oldID == current.ID {
		return d.outcome(utilityType, Detection{Outcome: OutcomeUnchanged}), nil
	}

	log = log.With(zap.String("old_rate_version_id", oldID), zap.String("new_rate_version_id", current.ID))

	existing, err := d.store.FindRateUpdateEvent(ctx, utilityType, oldID, current.ID)
	if err != nil {
		return Detection{}, fmt.Errorf("find %s event: %w", utilityType, err)
	}
	if existing != nil {
		log.Info("rate transition already processed", zap.Error(rates.ErrDuplicateEventSuppressed))
		return d.advance(ctx, utilityType, current.ID, Detection{Outcome: OutcomeDuplicate})
	}

	months, changes, err := d.costChanges(ctx, utilityType, *current)
	if err != nil {
		return Detection{}, err
	}
	if len(changes) == 0 {
		log.Info("rate transition changes no stored cost")
		return d.advance(ctx, utilityType, current.ID, Detection{Outcome: OutcomeNoCostChange})
	}

	ev := storage.RateUpdateEvent{
		ID:               uuid.NewString(),
		UtilityType:      utilityType,
		OldRateVersionID: oldID,
		NewRateVersionID: current.ID,
		AffectedMonths:   months,
		CostChanges:      changes,
		CreatedAt:        d.clock.Now(),
	}
	if err := d.store.CreateRateUpdateEvent(ctx, ev); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			log.Info("rate transition already processed", zap.Error(rates.ErrDuplicateEventSuppressed))
			return d.advance(ctx, utilityType, current.ID, Detection{Outcome: OutcomeDuplicate})
		}
		return Detection{}, fmt.Errorf("create %s event: %w", utilityType, err)
	}

	log.Info("rate update event created",
		zap.String("event_id", ev.ID),
		zap.Strings("affected_months", months),
		zap.Int("cost_changes", len(changes)),
	)
	return d.advance(ctx, utilityType, current.ID, Detection{Outcome: OutcomeCreated, Event: &ev})
}

// costChanges walks the billing months from the new version's effective
// month to now and collects every record whose cost (or source trust) moves
// when priced under that version.
func (d *Detector) costChanges(ctx context.Context, utilityType string, current storage.RateVersion) ([]string, []storage.CostChange, error) {
	from := rates.MonthOf(current.EffectiveDate)
	to := rates.MonthOf(d.clock.Now())
	if to.Before(from) {
		return nil, nil, nil
	}

	labels, err := d.store.ListBillingMonths(ctx, utilityType, from.String(), to.String())
	if err != nil {
		return nil, nil, fmt.Errorf("list %s billing months: %w", utilityType, err)
	}

	var months []string
	var changes []storage.CostChange
	for _, label := range labels {
		month, err := rates.ParseMonth(label)
		if err != nil {
			return nil, nil, err
		}
		res, err := d.lookup.Resolve(ctx, utilityType, month, rates.TierQuery{})
		if err != nil {
			return nil, nil, fmt.Errorf("resolve %s %s: %w", utilityType, label, err)
		}
		if res.Rate.ID != current.ID {
			continue
		}

		records, err := d.store.ListConsumptionRecords(ctx, storage.ConsumptionFilter{UtilityType: utilityType, BillingMonth: label})
		if err != nil {
			return nil, nil, fmt.Errorf("list %s %s records: %w", utilityType, label, err)
		}

		touched := false
		for _, rec := range records {
			cost := rates.Calculate(rec.Consumption, res)
			if !costMoved(rec.EstimatedCost, rates.Source(rec.RateSource), cost) {
				continue
			}
			touched = true
			changes = append(changes, storage.CostChange{
				BillingMonth:  label,
				UserID:        rec.UserID,
				RecordID:      rec.ID,
				OldCost:       rec.EstimatedCost,
				NewCost:       cost.EstimatedCost,
				Difference:    cost.EstimatedCost.Sub(rec.EstimatedCost),
				OldRateSource: rec.RateSource,
				NewRateSource: string(cost.RateSource),
			})
		}
		if touched {
			months = append(months, label)
		}
	}
	return months, changes, nil
}

// costMoved reports a real change: a different amount, or the same amount
// now backed by a more trusted source.
func costMoved(oldCost decimal.Decimal, oldSource rates.Source, c rates.Cost) bool {
	if !c.EstimatedCost.Equal(oldCost) {
		return true
	}
	return c.RateSource.Rank() > oldSource.Rank()
}

// advance moves the cursor to versionID. A cursor write failure leaves the
// transition to be seen again; the event uniqueness keeps that harmless.
func (d *Detector) advance(ctx context.Context, utilityType, versionID string, det Detection) (Detection, error) {
	err := d.store.SaveRateCursor(ctx, storage.RateCursor{
		UtilityType:       utilityType,
		LastRateVersionID: versionID,
		UpdatedAt:         d.clock.Now(),
	})
	if err != nil {
		return det, fmt.Errorf("advance %s cursor: %w", utilityType, err)
	}
	return d.outcome(utilityType, det), nil
}

func (d *Detector) outcome(utilityType string, det Detection) Detection {
	metrics.RateUpdateEventsTotal.WithLabelValues(utilityType, string(det.Outcome)).Inc()
	return det
}
