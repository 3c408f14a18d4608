package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/lock"
	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/recalc"
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChannel struct {
	mu        sync.Mutex
	name      string
	fail      error
	delivered []storage.RateUpdateNotification
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Deliver(ctx context.Context, n storage.RateUpdateNotification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.delivered = append(c.delivered, n)
	return nil
}

func outboxRow(id, key, oldCost, newCost, oldSrc, newSrc string) storage.NotificationOutbox {
	return storage.NotificationOutbox{
		ID: id, EventID: "ev", UtilityType: "electricity", BillingMonth: "2024-03", UserID: "u1",
		RecordID: "rec", OldRateVersionID: "v1", NewRateVersionID: "v2",
		OldCost: decimal.RequireFromString(oldCost), NewCost: decimal.RequireFromString(newCost),
		OldRateSource: oldSrc, NewRateSource: newSrc, DedupeKey: key,
	}
}

func TestClassify(t *testing.T) {
	d := decimal.RequireFromString
	tests := []struct {
		name     string
		old, new string
		delta    decimal.Decimal
		want     string
	}{
		{"estimate replaced by official", "estimated", "official", d("12.5"), TypeRatePublished},
		{"fallback replaced by official", "fallback", "official", d("-3"), TypeRatePublished},
		{"unset source replaced by manual", "", "manual", d("1"), TypeRatePublished},
		{"official corrected", "official", "official", d("60"), TypeCostUpdated},
		{"estimate moved to fallback", "estimated", "fallback", d("5"), TypeCostUpdated},
		{"confidence only", "estimated", "official", decimal.Zero, TypeForecastImproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.old, tt.new, tt.delta))
		})
	}
}

func TestDrainDeduplicatesAndCompletesEvents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	clk := clock.NewFakeClock(time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.CreateRateUpdateEvent(ctx, storage.RateUpdateEvent{ID: "ev", UtilityType: "electricity", NewRateVersionID: "v2"}))
	require.NoError(t, store.ApplyRecalculation(ctx, nil, []storage.NotificationOutbox{
		outboxRow("o1", "u1|electricity|2024-03|v1->v2", "1260", "1320", "official", "official"),
	}))

	d := NewDispatcher(store, nil, clk, DispatcherConfig{}, zap.NewNop())
	res, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, []string{"ev"}, res.EventIDs)

	// A crash between insert and mark leaves the row pending; a re-drain
	// must not duplicate the notification.
	require.NoError(t, store.ApplyRecalculation(ctx, nil, []storage.NotificationOutbox{
		outboxRow("o2", "other-key", "1", "2", "official", "official"),
	}))
	n, err := store.CreateNotificationIfAbsent(ctx, storage.RateUpdateNotification{ID: "pre", DedupeKey: "other-key"})
	require.NoError(t, err)
	require.True(t, n)
	res, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Duplicates)

	require.NoError(t, d.CompleteEvents(ctx, res.EventIDs))
	unsent, err := store.ListUnsentRateUpdateEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsent)
}

func TestCompleteEventsWaitsForPendingOutbox(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.CreateRateUpdateEvent(ctx, storage.RateUpdateEvent{ID: "ev", UtilityType: "electricity", NewRateVersionID: "v2"}))
	require.NoError(t, store.ApplyRecalculation(ctx, nil, []storage.NotificationOutbox{
		outboxRow("o1", "k1", "1", "2", "official", "official"),
	}))

	d := NewDispatcher(store, nil, clock.Real(), DispatcherConfig{}, zap.NewNop())
	require.NoError(t, d.CompleteEvents(ctx, []string{"ev"}))

	unsent, err := store.ListUnsentRateUpdateEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, unsent, 1)
}

func TestDeliverRetriesUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	clk := clock.NewFakeClock(time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC))
	_, err := store.CreateNotificationIfAbsent(ctx, storage.RateUpdateNotification{ID: "n1", UserID: "u1", DedupeKey: "k1", CreatedAt: clk.Now()})
	require.NoError(t, err)

	broken := &fakeChannel{name: "amqp", fail: errors.New("channel closed")}
	d := NewDispatcher(store, []Channel{broken}, clk, DispatcherConfig{MaxAttempts: 2}, zap.NewNop())

	for i := 0; i < 3; i++ {
		res, err := d.Deliver(ctx)
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, 1, res.Failed)
		} else {
			assert.Equal(t, 0, res.Failed, "gave up after max attempts")
		}
	}

	n, err := store.GetNotification(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 2, n.Attempts)
	assert.Contains(t, n.LastError, "channel closed")
	assert.Contains(t, n.LastError, rates.ErrNotificationDeliveryFailed.Error())
	assert.Nil(t, n.SentAt)
}

func TestDeliverAndMarkRead(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	clk := clock.NewFakeClock(time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC))
	_, err := store.CreateNotificationIfAbsent(ctx, storage.RateUpdateNotification{ID: "n1", UserID: "u1", DedupeKey: "k1"})
	require.NoError(t, err)

	ch := &fakeChannel{name: "amqp"}
	d := NewDispatcher(store, []Channel{ch}, clk, DispatcherConfig{}, zap.NewNop())
	res, err := d.Deliver(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, ch.delivered, 1)

	res, err = d.Deliver(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)

	require.NoError(t, d.MarkRead(ctx, "n1"))
	n, err := store.GetNotification(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, n.ReadAt)
	assert.Equal(t, clk.Now(), *n.ReadAt)

	assert.ErrorIs(t, d.MarkRead(ctx, "missing"), storage.ErrNotFound)
}

func TestRateCorrectionProducesOneCostUpdatedNotification(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	clk := clock.NewFakeClock(time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC))
	catalog := rates.NewStorageCatalog(store, clk)
	resolver := rates.NewResolver(catalog, clk, rates.ResolverConfig{}, zap.NewNop())
	locker := lock.NewMemoryLocker()
	detector := recalc.NewDetector(store, catalog, resolver, locker, clk, zap.NewNop())
	job := recalc.NewJob(store, resolver, locker, clk, nil, recalc.JobConfig{}, zap.NewNop())
	ch := &fakeChannel{name: "amqp"}
	dispatcher := NewDispatcher(store, []Channel{ch}, clk, DispatcherConfig{}, zap.NewNop())

	publish := func(id, price string, eff time.Time) {
		clk.Advance(time.Minute)
		_, err := catalog.Publish(ctx, storage.RateVersion{
			ID: id, UtilityType: rates.UtilityElectricity, Version: 1,
			PricePerUnit: decimal.RequireFromString(price), EffectiveDate: eff,
		}, true)
		require.NoError(t, err)
	}

	publish("march", "10.50", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	rec, err := job.RecordConsumption(ctx, recalc.ConsumptionInput{
		UserID: "u1", UtilityType: rates.UtilityElectricity, BillingMonth: "2024-03",
		Consumption: decimal.NewFromInt(120),
	})
	require.NoError(t, err)
	assert.Equal(t, "1260.00", rec.EstimatedCost.StringFixed(2))
	assert.Equal(t, "official", rec.RateSource)
	_, err = detector.Detect(ctx, rates.UtilityElectricity)
	require.NoError(t, err)

	publish("march-corrected", "11.00", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	det, err := detector.Detect(ctx, rates.UtilityElectricity)
	require.NoError(t, err)
	require.Equal(t, recalc.OutcomeCreated, det.Outcome)

	for i := 0; i < 2; i++ {
		run, err := job.Run(ctx, *det.Event)
		require.NoError(t, err)
		require.NoError(t, run.Err())
		_, err = dispatcher.Drain(ctx)
		require.NoError(t, err)
		require.NoError(t, dispatcher.CompleteEvents(ctx, []string{det.Event.ID}))
	}
	_, err = dispatcher.Deliver(ctx)
	require.NoError(t, err)

	list, err := store.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	n := list[0]
	assert.Equal(t, TypeCostUpdated, n.NotificationType)
	assert.Equal(t, "60.00", n.CostDelta.StringFixed(2))
	assert.Equal(t, "1320.00", n.NewCost.StringFixed(2))
	assert.NotNil(t, n.SentAt)
	assert.Len(t, ch.delivered, 1)

	ev, err := store.GetRateUpdateEvent(ctx, det.Event.ID)
	require.NoError(t, err)
	assert.True(t, ev.NotificationSent)
}
