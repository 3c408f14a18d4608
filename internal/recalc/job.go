package recalc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bher20/utilitycost/internal/alerting"
	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/lock"
	"github.com/bher20/utilitycost/internal/metrics"
	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Trigger is the persisted reason a recalculation ran.
type Trigger string

const (
	TriggerRateUpdate        Trigger = "rate_update"
	TriggerConsumptionUpdate Trigger = "consumption_update"
	TriggerManual            Trigger = "manual"
)

// ErrBusy is returned by manual recalculation when the utility's claim is
// held elsewhere.
var ErrBusy = errors.New("recalculation already running for utility type")

// ErrDetectionPending is returned by manual recalculation while the current
// rate version has not been through detection yet. Repricing first would
// move stored costs with no event to report them.
var ErrDetectionPending = fmt.Errorf("%w: rate transition awaiting detection", ErrBusy)

// Alerter is notified when a run ends with failed months.
type Alerter interface {
	SendRecalculationAlert(ctx context.Context, alert alerting.RecalculationAlert) error
}

type JobConfig struct {
	// Parallelism bounds how many billing months run at once. Defaults to 4.
	Parallelism int
}

// Job recalculates the stored costs of affected billing months. Each month
// runs independently: one failing month never rolls back another.
type Job struct {
	store   storage.Storage
	lookup  rates.Lookup
	locker  lock.Locker
	clock   clock.Clock
	alerter Alerter
	cfg     JobConfig
	logger  *zap.Logger
}

func NewJob(store storage.Storage, lookup rates.Lookup, locker lock.Locker, clk clock.Clock, alerter Alerter, cfg JobConfig, logger *zap.Logger) *Job {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Job{
		store:   store,
		lookup:  lookup,
		locker:  locker,
		clock:   clk,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger.Named("recalc"),
	}
}

// MonthResult is the outcome of one billing month.
type MonthResult struct {
	BillingMonth string `json:"billing_month"`
	Updated      int    `json:"updated"`
	Error        error  `json:"-"`
}

// RunResult collects the per-month outcomes of a run.
type RunResult struct {
	EventID string        `json:"event_id,omitempty"`
	Months  []MonthResult `json:"months"`
}

func (r RunResult) Failed() []MonthResult {
	var out []MonthResult
	for _, m := range r.Months {
		if m.Error != nil {
			out = append(out, m)
		}
	}
	return out
}

func (r RunResult) Updated() int {
	n := 0
	for _, m := range r.Months {
		n += m.Updated
	}
	return n
}

// Err joins the month failures, or returns nil when every month succeeded.
func (r RunResult) Err() error {
	var errs []error
	for _, m := range r.Failed() {
		errs = append(errs, m.Error)
	}
	return errors.Join(errs...)
}

// Run recalculates every month an event affects. Month failures are
// recorded and alerted, not returned; the error is reserved for the caller's
// context ending.
func (j *Job) Run(ctx context.Context, ev storage.RateUpdateEvent) (RunResult, error) {
	started := j.clock.Now()
	byMonth := make(map[string]map[string]storage.CostChange)
	for _, ch := range ev.CostChanges {
		if byMonth[ch.BillingMonth] == nil {
			byMonth[ch.BillingMonth] = make(map[string]storage.CostChange)
		}
		byMonth[ch.BillingMonth][ch.RecordID] = ch
	}

	months := append([]string(nil), ev.AffectedMonths...)
	sort.Strings(months)
	result := RunResult{EventID: ev.ID, Months: make([]MonthResult, len(months))}

	var g errgroup.Group
	g.SetLimit(j.cfg.Parallelism)
	for i, label := range months {
		g.Go(func() error {
			result.Months[i] = j.runMonth(ctx, TriggerRateUpdate, ev.UtilityType, label, &ev, byMonth[label])
			return nil
		})
	}
	_ = g.Wait()

	j.alertFailures(ctx, TriggerRateUpdate, ev.UtilityType, ev.ID, result, started)
	return result, ctx.Err()
}

// ResumeUnsent reruns every event whose notifications have not all been
// sent. Reruns are idempotent: records already at their target cost are
// left alone and outbox rows are deduplicated.
func (j *Job) ResumeUnsent(ctx context.Context) ([]RunResult, error) {
	events, err := j.store.ListUnsentRateUpdateEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unsent events: %w", err)
	}
	out := make([]RunResult, 0, len(events))
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := j.Run(ctx, ev)
		out = append(out, res)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// RecalculateMonth reprices one billing month on demand under the utility's
// claim. It emits no notifications, so it refuses with ErrDetectionPending
// until the detector has recorded the utility's current rate version.
func (j *Job) RecalculateMonth(ctx context.Context, utilityType, billingMonth string) (MonthResult, error) {
	if _, err := rates.ParseMonth(billingMonth); err != nil {
		return MonthResult{}, err
	}
	claim, ok, err := j.locker.TryAcquire(ctx, lock.UtilityKey(utilityType))
	if err != nil {
		return MonthResult{}, fmt.Errorf("claim %s: %w", utilityType, err)
	}
	if !ok {
		return MonthResult{}, ErrBusy
	}
	defer func() {
		if err := claim.Release(context.WithoutCancel(ctx)); err != nil {
			j.logger.Warn("release claim failed", zap.String("utility_type", utilityType), zap.Error(err))
		}
	}()

	lagging, err := j.cursorLags(ctx, utilityType)
	if err != nil {
		return MonthResult{}, err
	}
	if lagging {
		j.logger.Info("manual recalculation deferred to detection", zap.String("utility_type", utilityType))
		return MonthResult{}, ErrDetectionPending
	}

	started := j.clock.Now()
	res := j.runMonth(ctx, TriggerManual, utilityType, billingMonth, nil, nil)
	j.alertFailures(ctx, TriggerManual, utilityType, "", RunResult{Months: []MonthResult{res}}, started)
	return res, res.Error
}

// cursorLags reports whether the utility's current rate version differs from
// the one the detector last recorded.
func (j *Job) cursorLags(ctx context.Context, utilityType string) (bool, error) {
	current, err := j.store.GetCurrentRateVersion(ctx, utilityType)
	if err != nil {
		return false, fmt.Errorf("%w: current %s: %v", rates.ErrCatalogUnavailable, utilityType, err)
	}
	if current == nil {
		return false, nil
	}
	cursor, err := j.store.GetRateCursor(ctx, utilityType)
	if err != nil {
		return false, fmt.Errorf("read %s cursor: %w", utilityType, err)
	}
	return cursor == nil || cursor.LastRateVersionID != current.ID, nil
}

// runMonth reprices every record of one month and writes its audit row.
func (j *Job) runMonth(ctx context.Context, trigger Trigger, utilityType, label string, ev *storage.RateUpdateEvent, changes map[string]storage.CostChange) MonthResult {
	started := j.clock.Now()
	log := j.logger.With(
		zap.String("utility_type", utilityType),
		zap.String("billing_month", label),
		zap.String("trigger", string(trigger)),
	)

	updated, err := j.repriceMonth(ctx, utilityType, label, ev, changes)
	if err != nil {
		err = fmt.Errorf("%w: %s %s: %w", rates.ErrRecalculationFailed, utilityType, label, err)
		log.Error("month recalculation failed", zap.Int("updated", updated), zap.Error(err))
	} else {
		log.Debug("month recalculated", zap.Int("updated", updated))
	}

	metrics.ObserveRecalculation(utilityType, string(trigger), started, err)
	metrics.RecordsRecalculatedTotal.WithLabelValues(utilityType).Add(float64(updated))

	audit := storage.MetricsRecalculation{
		ID:             uuid.NewString(),
		TriggerType:    string(trigger),
		UtilityType:    utilityType,
		AffectedMonths: []string{label},
		MetricsUpdated: updated,
		ExecutionMs:    j.clock.Now().Sub(started).Milliseconds(),
		Success:        err == nil,
		CreatedAt:      j.clock.Now(),
	}
	if ev != nil {
		audit.EventID = ev.ID
	}
	if err != nil {
		audit.ErrorMessage = err.Error()
	}
	if aerr := j.store.CreateMetricsRecalculation(context.WithoutCancel(ctx), audit); aerr != nil {
		log.Error("write recalculation audit failed", zap.Error(aerr))
	}

	return MonthResult{BillingMonth: label, Updated: updated, Error: err}
}

func (j *Job) repriceMonth(ctx context.Context, utilityType, label string, ev *storage.RateUpdateEvent, changes map[string]storage.CostChange) (int, error) {
	month, err := rates.ParseMonth(label)
	if err != nil {
		return 0, err
	}
	res, err := j.lookup.Resolve(ctx, utilityType, month, rates.TierQuery{})
	if err != nil {
		return 0, err
	}
	records, err := j.store.ListConsumptionRecords(ctx, storage.ConsumptionFilter{UtilityType: utilityType, BillingMonth: label})
	if err != nil {
		return 0, err
	}

	var errs []error
	seen := make(map[string]bool, len(records))
	now := j.clock.Now()
	updated := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		seen[rec.ID] = true
		cost := rates.Calculate(rec.Consumption, res)

		upd := recordUpdate(rec, cost, now)
		var outbox []storage.NotificationOutbox
		if ch, ok := changes[rec.ID]; ok && ev != nil {
			if entry, ok := outboxEntry(*ev, ch, cost, now); ok {
				outbox = append(outbox, entry)
			}
		}
		if upd == nil && len(outbox) == 0 {
			continue
		}
		if err := j.store.ApplyRecalculation(ctx, upd, outbox); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", rec.ID, err))
			continue
		}
		if upd != nil {
			updated++
		}
	}

	for id := range changes {
		if !seen[id] && ctx.Err() == nil {
			errs = append(errs, fmt.Errorf("record %s: %w", id, storage.ErrNotFound))
		}
	}
	return updated, errors.Join(errs...)
}

// recordUpdate returns the compare-and-set write that moves rec onto cost,
// or nil when nothing stored would change.
func recordUpdate(rec storage.ConsumptionRecord, cost rates.Cost, now time.Time) *storage.RecordUpdate {
	costChanged := !rec.EstimatedCost.Equal(cost.EstimatedCost)
	if !costChanged && rec.RateVersionID == cost.RateVersionID && rec.RateSource == string(cost.RateSource) {
		return nil
	}
	score := cost.Confidence.Score()
	upd := &storage.RecordUpdate{
		ID:                 rec.ID,
		ExpectedRevision:   rec.Revision,
		EstimatedCost:      cost.EstimatedCost,
		RateVersionID:      cost.RateVersionID,
		RateSource:         string(cost.RateSource),
		ForecastConfidence: &score,
		CostUpdatedAt:      rec.CostUpdatedAt,
	}
	if costChanged {
		upd.CostUpdatedAt = now
	}
	return upd
}

// outboxEntry builds the notification outbox row for one cost change. The
// amounts come from this run; the change only supplies the old side.
func outboxEntry(ev storage.RateUpdateEvent, ch storage.CostChange, cost rates.Cost, now time.Time) (storage.NotificationOutbox, bool) {
	if !costMoved(ch.OldCost, rates.Source(ch.OldRateSource), cost) {
		return storage.NotificationOutbox{}, false
	}
	return storage.NotificationOutbox{
		ID:               uuid.NewString(),
		EventID:          ev.ID,
		UtilityType:      ev.UtilityType,
		BillingMonth:     ch.BillingMonth,
		UserID:           ch.UserID,
		RecordID:         ch.RecordID,
		OldRateVersionID: ev.OldRateVersionID,
		NewRateVersionID: ev.NewRateVersionID,
		OldCost:          ch.OldCost,
		NewCost:          cost.EstimatedCost,
		OldRateSource:    ch.OldRateSource,
		NewRateSource:    string(cost.RateSource),
		DedupeKey:        DedupeKey(ch.UserID, ev.UtilityType, ch.BillingMonth, ev.OldRateVersionID, ev.NewRateVersionID),
		CreatedAt:        now,
	}, true
}

// DedupeKey identifies one user-visible notification: a user, a utility
// type, a billing month and a rate transition.
func DedupeKey(userID, utilityType, billingMonth, oldVersionID, newVersionID string) string {
	return strings.Join([]string{userID, utilityType, billingMonth, oldVersionID + "->" + newVersionID}, "|")
}

func (j *Job) alertFailures(ctx context.Context, trigger Trigger, utilityType, eventID string, result RunResult, started time.Time) {
	failed := result.Failed()
	if len(failed) == 0 || j.alerter == nil {
		return
	}
	alert := alerting.RecalculationAlert{
		Trigger:     string(trigger),
		UtilityType: utilityType,
		EventID:     eventID,
		TotalMonths: len(result.Months),
		Duration:    j.clock.Now().Sub(started),
		Timestamp:   j.clock.Now(),
	}
	for _, m := range failed {
		alert.FailedMonths = append(alert.FailedMonths, alerting.MonthFailure{BillingMonth: m.BillingMonth, Error: m.Error.Error()})
	}
	if err := j.alerter.SendRecalculationAlert(context.WithoutCancel(ctx), alert); err != nil {
		j.logger.Warn("send recalculation alert failed", zap.String("utility_type", utilityType), zap.Error(err))
	}
}

// ConsumptionInput is a new or corrected consumption reading for one user,
// utility type and billing month.
type ConsumptionInput struct {
	UserID          string              `json:"user_id"`
	UtilityType     string              `json:"utility_type"`
	BillingMonth    string              `json:"billing_month"`
	Consumption     decimal.Decimal     `json:"consumption"`
	MeterReadingIDs []string            `json:"meter_reading_ids"`
	ActualCost      decimal.NullDecimal `json:"actual_cost"`
}

// RecordConsumption prices in and stores it, creating the month's record or
// replacing the consumption of an existing one.
func (j *Job) RecordConsumption(ctx context.Context, in ConsumptionInput) (storage.ConsumptionRecord, error) {
	if in.UserID == "" || in.UtilityType == "" {
		return storage.ConsumptionRecord{}, fmt.Errorf("%w: consumption: user_id and utility_type are required", rates.ErrInvalidInput)
	}
	if in.Consumption.IsNegative() {
		return storage.ConsumptionRecord{}, fmt.Errorf("%w: consumption: negative quantity", rates.ErrInvalidInput)
	}
	month, err := rates.ParseMonth(in.BillingMonth)
	if err != nil {
		return storage.ConsumptionRecord{}, err
	}

	started := j.clock.Now()
	rec, err := j.recordConsumption(ctx, in, month)
	metrics.ObserveRecalculation(in.UtilityType, string(TriggerConsumptionUpdate), started, err)

	audit := storage.MetricsRecalculation{
		ID:             uuid.NewString(),
		TriggerType:    string(TriggerConsumptionUpdate),
		UtilityType:    in.UtilityType,
		AffectedMonths: []string{month.String()},
		ExecutionMs:    j.clock.Now().Sub(started).Milliseconds(),
		Success:        err == nil,
		CreatedAt:      j.clock.Now(),
	}
	if err != nil {
		audit.ErrorMessage = err.Error()
	} else {
		audit.MetricsUpdated = 1
	}
	if aerr := j.store.CreateMetricsRecalculation(context.WithoutCancel(ctx), audit); aerr != nil {
		j.logger.Error("write recalculation audit failed", zap.Error(aerr))
	}
	return rec, err
}

func (j *Job) recordConsumption(ctx context.Context, in ConsumptionInput, month rates.Month) (storage.ConsumptionRecord, error) {
	res, err := j.lookup.Resolve(ctx, in.UtilityType, month, rates.TierQuery{})
	if err != nil {
		return storage.ConsumptionRecord{}, err
	}
	cost := rates.Calculate(in.Consumption, res)
	score := cost.Confidence.Score()

	// One retry covers losing a race with a concurrent insert or rewrite.
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := j.store.FindConsumptionRecord(ctx, in.UserID, in.UtilityType, month.String())
		if err != nil {
			return storage.ConsumptionRecord{}, err
		}
		now := j.clock.Now()

		if existing == nil {
			rec := storage.ConsumptionRecord{
				ID:                 uuid.NewString(),
				UserID:             in.UserID,
				UtilityType:        in.UtilityType,
				BillingMonth:       month.String(),
				Consumption:        in.Consumption,
				EstimatedCost:      cost.EstimatedCost,
				ActualCost:         in.ActualCost,
				RateSource:         string(cost.RateSource),
				RateVersionID:      cost.RateVersionID,
				CostUpdatedAt:      now,
				MeterReadingIDs:    in.MeterReadingIDs,
				ForecastConfidence: &score,
				CreatedAt:          now,
			}
			err := j.store.CreateConsumptionRecord(ctx, rec)
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return rec, err
		}

		consumption := in.Consumption
		upd := &storage.RecordUpdate{
			ID:                 existing.ID,
			ExpectedRevision:   existing.Revision,
			Consumption:        &consumption,
			ActualCost:         in.ActualCost,
			MeterReadingIDs:    mergeIDs(existing.MeterReadingIDs, in.MeterReadingIDs),
			EstimatedCost:      cost.EstimatedCost,
			RateVersionID:      cost.RateVersionID,
			RateSource:         string(cost.RateSource),
			ForecastConfidence: &score,
			CostUpdatedAt:      existing.CostUpdatedAt,
		}
		if !existing.EstimatedCost.Equal(cost.EstimatedCost) {
			upd.CostUpdatedAt = now
		}
		err = j.store.ApplyRecalculation(ctx, upd, nil)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return storage.ConsumptionRecord{}, err
		}
		rec, err := j.store.GetConsumptionRecord(ctx, existing.ID)
		if err != nil {
			return storage.ConsumptionRecord{}, err
		}
		if rec == nil {
			return storage.ConsumptionRecord{}, fmt.Errorf("consumption record %s: %w", existing.ID, storage.ErrNotFound)
		}
		return *rec, nil
	}
	return storage.ConsumptionRecord{}, fmt.Errorf("consumption %s %s %s: %w", in.UserID, in.UtilityType, month, storage.ErrConflict)
}

func mergeIDs(existing, added []string) []string {
	out := append([]string(nil), existing...)
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range added {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
