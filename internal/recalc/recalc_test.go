package recalc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bher20/utilitycost/internal/alerting"
	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/lock"
	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alerting.RecalculationAlert
}

func (a *recordingAlerter) SendRecalculationAlert(ctx context.Context, alert alerting.RecalculationAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

type fixture struct {
	store    *storage.MemoryStorage
	clock    *clock.FakeClock
	catalog  *rates.StorageCatalog
	locker   *lock.MemoryLocker
	alerts   *recordingAlerter
	detector *Detector
	job      *Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemory(),
		clock:  clock.NewFakeClock(time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)),
		locker: lock.NewMemoryLocker(),
		alerts: &recordingAlerter{},
	}
	f.catalog = rates.NewStorageCatalog(f.store, f.clock)
	resolver := rates.NewResolver(f.catalog, f.clock, rates.ResolverConfig{}, zap.NewNop())
	f.detector = NewDetector(f.store, f.catalog, resolver, f.locker, f.clock, zap.NewNop())
	f.job = NewJob(f.store, resolver, f.locker, f.clock, f.alerts, JobConfig{Parallelism: 2}, zap.NewNop())
	return f
}

func (f *fixture) publish(t *testing.T, id, price string, eff time.Time) storage.RateVersion {
	t.Helper()
	f.clock.Advance(time.Minute)
	rv, err := f.catalog.Publish(context.Background(), storage.RateVersion{
		ID:            id,
		UtilityType:   rates.UtilityElectricity,
		Version:       1,
		PricePerUnit:  decimal.RequireFromString(price),
		EffectiveDate: eff,
	}, true)
	require.NoError(t, err)
	return rv
}

func (f *fixture) consume(t *testing.T, user, month, qty string) storage.ConsumptionRecord {
	t.Helper()
	rec, err := f.job.RecordConsumption(context.Background(), ConsumptionInput{
		UserID:       user,
		UtilityType:  rates.UtilityElectricity,
		BillingMonth: month,
		Consumption:  decimal.RequireFromString(qty),
	})
	require.NoError(t, err)
	return rec
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRatePublicationRecalculatesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.publish(t, "v1", "10.50", day(2024, 2, 1))
	rec := f.consume(t, "u1", "2024-02", "120")
	assert.Equal(t, "1260", rec.EstimatedCost.String())
	assert.Equal(t, "v1", rec.RateVersionID)

	det, err := f.detector.Detect(ctx, rates.UtilityElectricity)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCostChange, det.Outcome)

	f.publish(t, "v2", "11.00", day(2024, 2, 15))
	det, err = f.detector.Detect(ctx, rates.UtilityElectricity)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, det.Outcome)
	ev := det.Event
	assert.Equal(t, "v1", ev.OldRateVersionID)
	assert.Equal(t, "v2", ev.NewRateVersionID)
	assert.Equal(t, []string{"2024-02"}, []string(ev.AffectedMonths))
	require.Len(t, ev.CostChanges, 1)
	assert.Equal(t, "60", ev.CostChanges[0].Difference.String())

	res, err := f.job.Run(ctx, *ev)
	require.NoError(t, err)
	assert.NoError(t, res.Err())
	assert.Equal(t, 1, res.Updated())

	got, err := f.store.GetConsumptionRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "1320", got.EstimatedCost.String())
	assert.Equal(t, "v2", got.RateVersionID)
	assert.Equal(t, "official", got.RateSource)
	assert.Equal(t, f.clock.Now(), got.CostUpdatedAt)

	pending, err := f.store.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "u1|electricity|2024-02|v1->v2", pending[0].DedupeKey)
	assert.Equal(t, "1260", pending[0].OldCost.String())
	assert.Equal(t, "1320", pending[0].NewCost.String())

	audits, err := f.store.ListMetricsRecalculations(ctx, rates.UtilityElectricity, 10)
	require.NoError(t, err)
	var rateUpdate []storage.MetricsRecalculation
	for _, a := range audits {
		if a.TriggerType == string(TriggerRateUpdate) {
			rateUpdate = append(rateUpdate, a)
		}
	}
	require.Len(t, rateUpdate, 1)
	assert.True(t, rateUpdate[0].Success)
	assert.Equal(t, 1, rateUpdate[0].MetricsUpdated)
	assert.Equal(t, ev.ID, rateUpdate[0].EventID)

	t.Run("rerun is idempotent", func(t *testing.T) {
		f.clock.Advance(time.Hour)
		res, err := f.job.Run(ctx, *ev)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Updated())

		again, err := f.store.GetConsumptionRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, got.Revision, again.Revision)
		assert.Equal(t, got.CostUpdatedAt, again.CostUpdatedAt)

		pending, err := f.store.ListPendingOutbox(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("cursor at current is unchanged", func(t *testing.T) {
		det, err := f.detector.Detect(ctx, rates.UtilityElectricity)
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnchanged, det.Outcome)
	})

	t.Run("replayed transition is suppressed", func(t *testing.T) {
		require.NoError(t, f.store.SaveRateCursor(ctx, storage.RateCursor{
			UtilityType: rates.UtilityElectricity, LastRateVersionID: "v1", UpdatedAt: f.clock.Now(),
		}))
		det, err := f.detector.Detect(ctx, rates.UtilityElectricity)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, det.Outcome)

		events, err := f.store.ListRateUpdateEvents(ctx, rates.UtilityElectricity, 10)
		require.NoError(t, err)
		assert.Len(t, events, 1)

		cur, err := f.store.GetRateCursor(ctx, rates.UtilityElectricity)
		require.NoError(t, err)
		assert.Equal(t, "v2", cur.LastRateVersionID)
	})

	t.Run("same price republished creates no event", func(t *testing.T) {
		f.publish(t, "v3", "11.00", day(2024, 2, 20))
		det, err := f.detector.Detect(ctx, rates.UtilityElectricity)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoCostChange, det.Outcome)
		assert.Nil(t, det.Event)

		events, err := f.store.ListRateUpdateEvents(ctx, rates.UtilityElectricity, 10)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestOfficialRateAtEstimatedPriceIsAnUpgrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec := f.consume(t, "u1", "2024-03", "100")
	assert.Equal(t, "450", rec.EstimatedCost.String())
	assert.Equal(t, "estimated", rec.RateSource)

	f.publish(t, "official-mar", "4.50", day(2024, 3, 1))
	det, err := f.detector.Detect(ctx, rates.UtilityElectricity)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, det.Outcome)
	require.Len(t, det.Event.CostChanges, 1)
	ch := det.Event.CostChanges[0]
	assert.True(t, ch.Difference.IsZero())
	assert.Equal(t, "estimated", ch.OldRateSource)
	assert.Equal(t, "official", ch.NewRateSource)

	_, err = f.job.Run(ctx, *det.Event)
	require.NoError(t, err)

	got, err := f.store.GetConsumptionRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "official", got.RateSource)
	assert.Equal(t, rec.CostUpdatedAt, got.CostUpdatedAt, "cost did not move")

	pending, err := f.store.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "estimated", pending[0].OldRateSource)
}

func TestFailedMonthDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, "r1", "10", day(2024, 1, 1))

	seed := func(id, month, qty string) {
		require.NoError(t, f.store.CreateConsumptionRecord(ctx, storage.ConsumptionRecord{
			ID: id, UserID: "u1", UtilityType: rates.UtilityElectricity, BillingMonth: month,
			Consumption: decimal.RequireFromString(qty), RateSource: "estimated", RateVersionID: "estimated:electricity",
		}))
	}
	seed("jan", "2024-01", "10")
	seed("feb", "2024-02", "20")

	ev := storage.RateUpdateEvent{
		ID:               "ev-1",
		UtilityType:      rates.UtilityElectricity,
		OldRateVersionID: "",
		NewRateVersionID: "r1",
		AffectedMonths:   []string{"2024-01", "2024-02", "2024-03"},
		CostChanges: []storage.CostChange{
			{BillingMonth: "2024-01", UserID: "u1", RecordID: "jan", NewCost: decimal.NewFromInt(100), OldRateSource: "estimated"},
			{BillingMonth: "2024-02", UserID: "u1", RecordID: "feb", NewCost: decimal.NewFromInt(200), OldRateSource: "estimated"},
			{BillingMonth: "2024-03", UserID: "u1", RecordID: "gone", NewCost: decimal.NewFromInt(1), OldRateSource: "estimated"},
		},
	}
	require.NoError(t, f.store.CreateRateUpdateEvent(ctx, ev))

	res, err := f.job.Run(ctx, ev)
	require.NoError(t, err)
	require.Len(t, res.Months, 3)

	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "2024-03", failed[0].BillingMonth)
	assert.ErrorIs(t, failed[0].Error, rates.ErrRecalculationFailed)
	assert.ErrorIs(t, failed[0].Error, storage.ErrNotFound)
	assert.Equal(t, 2, res.Updated())

	jan, _ := f.store.GetConsumptionRecord(ctx, "jan")
	feb, _ := f.store.GetConsumptionRecord(ctx, "feb")
	assert.Equal(t, "100", jan.EstimatedCost.String())
	assert.Equal(t, "official", jan.RateSource)
	assert.Equal(t, "200", feb.EstimatedCost.String())
	assert.Equal(t, "fallback", feb.RateSource)

	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, 3, f.alerts.alerts[0].TotalMonths)
	assert.Equal(t, "2024-03", f.alerts.alerts[0].FailedMonths[0].BillingMonth)

	audits, err := f.store.ListMetricsRecalculations(ctx, rates.UtilityElectricity, 10)
	require.NoError(t, err)
	ok, bad := 0, 0
	for _, a := range audits {
		if a.EventID != "ev-1" {
			continue
		}
		if a.Success {
			ok++
		} else {
			bad++
			assert.NotEmpty(t, a.ErrorMessage)
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, bad)

	t.Run("resume reruns unsent events", func(t *testing.T) {
		results, err := f.job.ResumeUnsent(ctx)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 0, results[0].Updated())
	})
}

func TestClaimHeldSkipsDetectionAndManualRecalc(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, "v1", "10", day(2024, 3, 1))

	claim, ok, err := f.locker.TryAcquire(ctx, lock.UtilityKey(rates.UtilityElectricity))
	require.NoError(t, err)
	require.True(t, ok)

	det, err := f.detector.Detect(ctx, rates.UtilityElectricity)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimHeld, det.Outcome)

	_, err = f.job.RecalculateMonth(ctx, rates.UtilityElectricity, "2024-03")
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, claim.Release(ctx))
	cur, err := f.store.GetRateCursor(ctx, rates.UtilityElectricity)
	require.NoError(t, err)
	assert.Nil(t, cur, "cursor must not move without the claim")
}

func TestConcurrentDetectorsCreateOneEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.consume(t, "u1", "2024-03", "10")
	f.publish(t, "v1", "7", day(2024, 3, 1))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.detector.Detect(ctx, rates.UtilityElectricity)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := f.store.ListRateUpdateEvents(ctx, rates.UtilityElectricity, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecalculateMonthRepricesWithoutNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, "v1", "2", day(2024, 3, 1))
	_, err := f.detector.Detect(ctx, rates.UtilityElectricity)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateConsumptionRecord(ctx, storage.ConsumptionRecord{
		ID: "r", UserID: "u1", UtilityType: rates.UtilityElectricity, BillingMonth: "2024-03",
		Consumption: decimal.NewFromInt(50), EstimatedCost: decimal.NewFromInt(1),
	}))

	res, err := f.job.RecalculateMonth(ctx, rates.UtilityElectricity, "2024-03")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, _ := f.store.GetConsumptionRecord(ctx, "r")
	assert.Equal(t, "100", got.EstimatedCost.String())

	pending, err := f.store.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.job.RecalculateMonth(ctx, rates.UtilityElectricity, "2024-3")
	assert.ErrorIs(t, err, rates.ErrInvalidMonth)
}

func TestManualRecalculationWaitsForDetection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.publish(t, "v1", "10.50", day(2024, 3, 1))
	_, err := f.detector.Detect(ctx, rates.UtilityElectricity)
	require.NoError(t, err)
	rec := f.consume(t, "u1", "2024-03", "120")
	assert.Equal(t, "1260", rec.EstimatedCost.String())

	f.publish(t, "v2", "11.00", day(2024, 3, 10))
	_, err = f.job.RecalculateMonth(ctx, rates.UtilityElectricity, "2024-03")
	assert.ErrorIs(t, err, ErrDetectionPending)
	assert.ErrorIs(t, err, ErrBusy)

	got, err := f.store.GetConsumptionRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "1260", got.EstimatedCost.String())

	det, err := f.detector.Detect(ctx, rates.UtilityElectricity)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, det.Outcome)
	require.Len(t, det.Event.CostChanges, 1)
	assert.Equal(t, "60", det.Event.CostChanges[0].Difference.String())

	res, err := f.job.Run(ctx, *det.Event)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated())

	pending, err := f.store.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "u1|electricity|2024-03|v1->v2", pending[0].DedupeKey)

	manual, err := f.job.RecalculateMonth(ctx, rates.UtilityElectricity, "2024-03")
	require.NoError(t, err)
	assert.Zero(t, manual.Updated)
}

func TestRecordConsumptionUpdatesExistingRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, "v1", "3", day(2024, 3, 1))

	first, err := f.job.RecordConsumption(ctx, ConsumptionInput{
		UserID: "u1", UtilityType: rates.UtilityElectricity, BillingMonth: "2024-03",
		Consumption: decimal.NewFromInt(10), MeterReadingIDs: []string{"m1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "30", first.EstimatedCost.String())

	f.clock.Advance(time.Hour)
	second, err := f.job.RecordConsumption(ctx, ConsumptionInput{
		UserID: "u1", UtilityType: rates.UtilityElectricity, BillingMonth: "2024-03",
		Consumption: decimal.NewFromInt(12), MeterReadingIDs: []string{"m1", "m2"},
		ActualCost: decimal.NewNullDecimal(decimal.NewFromInt(35)),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "36", second.EstimatedCost.String())
	assert.Equal(t, []string{"m1", "m2"}, []string(second.MeterReadingIDs))
	assert.True(t, second.ActualCost.Valid)
	assert.Equal(t, f.clock.Now(), second.CostUpdatedAt)
	assert.Equal(t, first.Revision+1, second.Revision)

	_, err = f.job.RecordConsumption(ctx, ConsumptionInput{
		UserID: "u1", UtilityType: rates.UtilityElectricity, BillingMonth: "March",
		Consumption: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, rates.ErrInvalidMonth)
}

func TestDedupeKey(t *testing.T) {
	assert.Equal(t, "u|water|2024-01|a->b", DedupeKey("u", "water", "2024-01", "a", "b"))
}
