package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bher20/utilitycost/internal/auth"
	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/lock"
	"github.com/bher20/utilitycost/internal/notification"
	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/recalc"
	"github.com/bher20/utilitycost/internal/storage"
)

type testServer struct {
	store  *storage.MemoryStorage
	clock  *clock.FakeClock
	locker *lock.MemoryLocker
	mux    *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		store:  storage.NewMemory(),
		clock:  clock.NewFakeClock(time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)),
		locker: lock.NewMemoryLocker(),
	}
	policy, err := auth.NewPolicy()
	require.NoError(t, err)

	catalog := rates.NewStorageCatalog(ts.store, ts.clock)
	resolver := rates.NewResolver(catalog, ts.clock, rates.ResolverConfig{}, zap.NewNop())
	lookup := rates.NewCoalescer(resolver, 100*time.Millisecond, ts.clock)
	ts.mux = NewMux(&Server{
		Store:       ts.store,
		Clock:       ts.clock,
		Catalog:     catalog,
		Lookup:      lookup,
		Forecaster:  rates.NewForecaster(ts.store, lookup),
		Job:         recalc.NewJob(ts.store, lookup, ts.locker, ts.clock, nil, recalc.JobConfig{}, zap.NewNop()),
		Dispatcher:  notification.NewDispatcher(ts.store, nil, ts.clock, notification.DispatcherConfig{}, zap.NewNop()),
		Email:       notification.NewService(ts.store, zap.NewNop()),
		Policy:      policy,
		DefaultRole: auth.RoleViewer,
		Logger:      zap.NewNop(),
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if role != "" {
		req.Header.Set(auth.RoleHeader, role)
	}
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for path, want := range map[string]string{"/healthz": "ok", "/readyz": "ready", "/livez": "live"} {
		rec := ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, want, rec.Body.String(), path)
	}

	rec := ts.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/v1/rates/{utility}/resolve")
}

func TestPublishAndResolve(t *testing.T) {
	ts := newTestServer(t)

	// Nothing published yet: the floor answers.
	rec := ts.do(t, http.MethodGet, "/v1/rates/electricity/resolve?month=2024-03", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res rates.Resolution
	decodeJSON(t, rec, &res)
	assert.Equal(t, rates.SourceEstimated, res.Source)
	assert.Equal(t, "estimated:electricity", res.Rate.ID)

	body := map[string]any{
		"price_per_unit": "10.50",
		"effective_date": "2024-03-01T00:00:00Z",
	}
	rec = ts.do(t, http.MethodPost, "/v1/rates/electricity", auth.RoleViewer, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/rates/electricity", auth.RoleEditor, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rv storage.RateVersion
	decodeJSON(t, rec, &rv)
	assert.Equal(t, "electricity", rv.UtilityType)
	assert.True(t, rv.IsCurrent)

	// Publishing drops the cached floor answer.
	rec = ts.do(t, http.MethodGet, "/v1/rates/electricity/resolve?month=2024-03", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &res)
	assert.Equal(t, rates.SourceOfficial, res.Source)
	assert.Equal(t, rates.ConfidenceHigh, res.Confidence)
	assert.Equal(t, rv.ID, res.Rate.ID)

	rec = ts.do(t, http.MethodGet, "/v1/rates/electricity", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.RateVersion
	decodeJSON(t, rec, &list)
	assert.Len(t, list, 1)
}

func TestPublishRejectsBadTiers(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/rates/water", auth.RoleAdmin, map[string]any{
		"effective_date": "2024-03-01T00:00:00Z",
		"tiered_rates": []map[string]any{
			{"tier_min": "0", "tier_max": "100", "price_per_unit": "0.10"},
			{"tier_min": "150", "price_per_unit": "0.15"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveRejectsMalformedInput(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/rates/electricity/resolve?month=March%202024", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/rates/electricity/resolve?month=2024-03&tier_min=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/rates/electricity/resolve?month=2024-03", "stranger", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConsumptionAndEstimate(t *testing.T) {
	ts := newTestServer(t)
	_, err := rates.NewStorageCatalog(ts.store, ts.clock).Publish(context.Background(), storage.RateVersion{
		UtilityType:   rates.UtilityElectricity,
		PricePerUnit:  decimal.RequireFromString("10.50"),
		EffectiveDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}, true)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/v1/estimate?utility=electricity&month=2024-03&consumption=120", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var est estimateResponse
	decodeJSON(t, rec, &est)
	assert.Equal(t, "1260.00", est.Cost.EstimatedCost.StringFixed(2))

	rec = ts.do(t, http.MethodGet, "/v1/estimate?utility=electricity&month=2024-03&consumption=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	in := map[string]any{
		"user_id": "u1", "utility_type": "electricity", "billing_month": "2024-03", "consumption": "120",
	}
	rec = ts.do(t, http.MethodPost, "/v1/consumption", auth.RoleViewer, in)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/consumption", auth.RoleEditor, in)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stored storage.ConsumptionRecord
	decodeJSON(t, rec, &stored)
	assert.Equal(t, "1260.00", stored.EstimatedCost.StringFixed(2))
	assert.Equal(t, "official", stored.RateSource)

	in["user_id"] = ""
	rec = ts.do(t, http.MethodPost, "/v1/consumption", auth.RoleEditor, in)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/consumption?user_id=u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.ConsumptionRecord
	decodeJSON(t, rec, &list)
	assert.Len(t, list, 1)

	rec = ts.do(t, http.MethodGet, "/v1/forecast?user_id=u1&utility=electricity&month=2024-04", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fc rates.CostForecast
	decodeJSON(t, rec, &fc)
	assert.Equal(t, "2024-04", fc.BillingMonth)
	assert.Equal(t, []string{"2024-03"}, fc.BasedOnMonths)

	rec = ts.do(t, http.MethodGet, "/v1/forecast?user_id=nobody&utility=electricity", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestNotificationRoutes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, err := ts.store.CreateNotificationIfAbsent(ctx, storage.RateUpdateNotification{
		ID: "n1", UserID: "u1", UtilityType: "electricity", BillingMonth: "2024-03",
		NotificationType: notification.TypeCostUpdated, DedupeKey: "k1", CreatedAt: ts.clock.Now(),
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/v1/notifications", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/notifications?user_id=u1&unread=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.RateUpdateNotification
	decodeJSON(t, rec, &list)
	require.Len(t, list, 1)

	rec = ts.do(t, http.MethodPost, "/v1/notifications/n1/read", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/notifications/missing/read", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/notifications?user_id=u1&unread=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &list)
	assert.Empty(t, list)

	rec = ts.do(t, http.MethodPut, "/v1/recipients/u1", auth.RoleAdmin, map[string]any{"email": "u1@example.com", "enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	r, err := ts.store.GetRecipient(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "u1@example.com", r.Email)
}

func TestEmailSettings(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/settings/email", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPut, "/v1/settings/email", auth.RoleAdmin, map[string]any{"provider": "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/v1/settings/email", auth.RoleAdmin, map[string]any{
		"provider": "sendgrid", "api_key": "secret", "from_address": "rates@example.com", "enabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/settings/email", auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg storage.EmailConfig
	decodeJSON(t, rec, &cfg)
	assert.Equal(t, "sendgrid", cfg.Provider)
	assert.Empty(t, cfg.APIKey)

	stored, err := ts.store.GetEmailConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", stored.APIKey)
}

func TestManualRecalculation(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	body := map[string]any{"utility_type": "electricity", "billing_month": "2024-03"}
	rec := ts.do(t, http.MethodPost, "/v1/recalculations", auth.RoleViewer, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/recalculations", auth.RoleEditor, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res recalcResponse
	decodeJSON(t, rec, &res)
	assert.Equal(t, "2024-03", res.BillingMonth)
	assert.Equal(t, "electricity", res.UtilityType)

	claim, ok, err := ts.locker.TryAcquire(ctx, lock.UtilityKey("electricity"))
	require.NoError(t, err)
	require.True(t, ok)
	rec = ts.do(t, http.MethodPost, "/v1/recalculations", auth.RoleEditor, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, claim.Release(ctx))

	rec = ts.do(t, http.MethodPost, "/v1/recalculations", auth.RoleEditor, map[string]any{"utility_type": "electricity", "billing_month": "2024/03"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/recalculations?utility=electricity", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audits []storage.MetricsRecalculation
	decodeJSON(t, rec, &audits)
	require.Len(t, audits, 1)
	assert.Equal(t, "manual", audits[0].TriggerType)

	// A published rate the detector has not seen yet defers manual runs.
	rec = ts.do(t, http.MethodPost, "/v1/rates/electricity", auth.RoleEditor, map[string]any{
		"price_per_unit": "10.50",
		"effective_date": "2024-03-01T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/v1/recalculations", auth.RoleEditor, body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	for _, path := range []string{"/v1/events", "/v1/jobs"} {
		rec = ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "[]\n", rec.Body.String(), path)
	}
}
