package cron

import (
	"context"
	"testing"
	"time"

	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/lock"
	"github.com/bher20/utilitycost/internal/notification"
	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/recalc"
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNextRun(t *testing.T) {
	last := time.Date(2024, 3, 20, 10, 7, 0, 0, time.UTC)

	assert.Equal(t, last.Add(90*time.Second), NextRun("90", last))
	assert.Equal(t, time.Date(2024, 3, 20, 10, 15, 0, 0, time.UTC), NextRun("*/15 * * * *", last))
	assert.Equal(t, last.Add(5*time.Minute), NextRun("whenever", last))
	assert.Equal(t, last.Add(5*time.Minute), NextRun("-1", last))

	assert.True(t, ValidSchedule("60"))
	assert.True(t, ValidSchedule("0 3 * * *"))
	assert.False(t, ValidSchedule("0"))
	assert.False(t, ValidSchedule("nope"))
}

type harness struct {
	store   *storage.MemoryStorage
	clock   *clock.FakeClock
	catalog *rates.StorageCatalog
	locker  *lock.MemoryLocker
	worker  *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemory(),
		clock:  clock.NewFakeClock(time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)),
		locker: lock.NewMemoryLocker(),
	}
	h.catalog = rates.NewStorageCatalog(h.store, h.clock)
	resolver := rates.NewResolver(h.catalog, h.clock, rates.ResolverConfig{}, zap.NewNop())
	detector := recalc.NewDetector(h.store, h.catalog, resolver, h.locker, h.clock, zap.NewNop())
	job := recalc.NewJob(h.store, resolver, h.locker, h.clock, nil, recalc.JobConfig{}, zap.NewNop())
	dispatcher := notification.NewDispatcher(h.store, nil, h.clock, notification.DispatcherConfig{}, zap.NewNop())
	h.worker = NewWorker(h.store, detector, job, dispatcher, h.locker, h.clock, Config{
		Utilities: []string{rates.UtilityElectricity, rates.UtilityWater},
	}, zap.NewNop())

	_, err := job.RecordConsumption(context.Background(), recalc.ConsumptionInput{
		UserID: "u1", UtilityType: rates.UtilityElectricity, BillingMonth: "2024-03",
		Consumption: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	return h
}

func TestTickRunsPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.clock.Advance(time.Minute)
	_, err := h.catalog.Publish(ctx, storage.RateVersion{
		UtilityType: rates.UtilityElectricity, PricePerUnit: decimal.RequireFromString("5"),
		EffectiveDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}, true)
	require.NoError(t, err)

	require.NoError(t, h.worker.Tick(ctx))

	list, err := h.store.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, notification.TypeRatePublished, list[0].NotificationType)
	assert.Equal(t, "50", list[0].CostDelta.String())
	assert.NotNil(t, list[0].SentAt)

	unsent, err := h.store.ListUnsentRateUpdateEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsent)

	jobs, err := h.store.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobName, jobs[0].Name)
	assert.True(t, jobs[0].LastSuccess)

	// A second tick finds nothing new.
	require.NoError(t, h.worker.Tick(ctx))
	list, err = h.store.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTickSkipsWhenClaimHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	claim, ok, err := h.locker.TryAcquire(ctx, pipelineKey)
	require.NoError(t, err)
	require.True(t, ok)
	defer claim.Release(ctx)

	require.NoError(t, h.worker.Tick(ctx))
	jobs, err := h.store.ListScheduledJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
