package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStorage is an in-memory Storage implementation, useful for tests and
// simple single-process deployments.
type MemoryStorage struct {
	mu            sync.RWMutex
	rates         map[string]RateVersion
	records       map[string]ConsumptionRecord
	cursors       map[string]RateCursor
	events        map[string]RateUpdateEvent
	recalcs       []MetricsRecalculation
	outbox        map[string]NotificationOutbox
	outboxKeys    map[string]string
	notifications map[string]RateUpdateNotification
	notifyKeys    map[string]string
	recipients    map[string]NotificationRecipient
	emailConfig   *EmailConfig
	jobs          map[string]ScheduledJob
}

// NewMemory returns an empty MemoryStorage.
func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		rates:         make(map[string]RateVersion),
		records:       make(map[string]ConsumptionRecord),
		cursors:       make(map[string]RateCursor),
		events:        make(map[string]RateUpdateEvent),
		outbox:        make(map[string]NotificationOutbox),
		outboxKeys:    make(map[string]string),
		notifications: make(map[string]RateUpdateNotification),
		notifyKeys:    make(map[string]string),
		recipients:    make(map[string]NotificationRecipient),
		jobs:          make(map[string]ScheduledJob),
	}
}

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) Ping(ctx context.Context) error { return nil }

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func copyRate(rv RateVersion) RateVersion {
	if rv.TieredRates != nil {
		rv.TieredRates = append(rv.TieredRates[:0:0], rv.TieredRates...)
	}
	return rv
}

func copyRecord(rec ConsumptionRecord) ConsumptionRecord {
	rec.MeterReadingIDs = cloneStrings(rec.MeterReadingIDs)
	if rec.ForecastConfidence != nil {
		v := *rec.ForecastConfidence
		rec.ForecastConfidence = &v
	}
	return rec
}

func copyEvent(ev RateUpdateEvent) RateUpdateEvent {
	ev.AffectedMonths = cloneStrings(ev.AffectedMonths)
	if ev.CostChanges != nil {
		ev.CostChanges = append(ev.CostChanges[:0:0], ev.CostChanges...)
	}
	return ev
}

// Rate catalog

func (m *MemoryStorage) ListRateVersions(ctx context.Context, utilityType string) ([]RateVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RateVersion
	for _, rv := range m.rates {
		if rv.UtilityType == utilityType {
			out = append(out, copyRate(rv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EffectiveDate.Equal(out[j].EffectiveDate) {
			return out[i].EffectiveDate.Before(out[j].EffectiveDate)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStorage) GetCurrentRateVersion(ctx context.Context, utilityType string) (*RateVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rv := range m.rates {
		if rv.UtilityType == utilityType && rv.IsCurrent {
			cp := copyRate(rv)
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) GetRateVersion(ctx context.Context, id string) (*RateVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rv, ok := m.rates[id]
	if !ok {
		return nil, nil
	}
	cp := copyRate(rv)
	return &cp, nil
}

func (m *MemoryStorage) CreateRateVersion(ctx context.Context, rv RateVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rates[rv.ID]; ok {
		return fmt.Errorf("rate version %s: %w", rv.ID, ErrConflict)
	}
	if rv.IsCurrent {
		for id, other := range m.rates {
			if other.UtilityType == rv.UtilityType && other.IsCurrent {
				other.IsCurrent = false
				m.rates[id] = other
			}
		}
	}
	m.rates[rv.ID] = copyRate(rv)
	return nil
}

// Consumption records

func (m *MemoryStorage) CreateConsumptionRecord(ctx context.Context, rec ConsumptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return ErrConflict
	}
	for _, other := range m.records {
		if other.UserID == rec.UserID && other.UtilityType == rec.UtilityType && other.BillingMonth == rec.BillingMonth {
			return ErrConflict
		}
	}
	m.records[rec.ID] = copyRecord(rec)
	return nil
}

func (m *MemoryStorage) GetConsumptionRecord(ctx context.Context, id string) (*ConsumptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := copyRecord(rec)
	return &cp, nil
}

func (m *MemoryStorage) FindConsumptionRecord(ctx context.Context, userID, utilityType, billingMonth string) (*ConsumptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if rec.UserID == userID && rec.UtilityType == utilityType && rec.BillingMonth == billingMonth {
			cp := copyRecord(rec)
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) ListConsumptionRecords(ctx context.Context, f ConsumptionFilter) ([]ConsumptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ConsumptionRecord
	for _, rec := range m.records {
		if f.UserID != "" && rec.UserID != f.UserID {
			continue
		}
		if f.UtilityType != "" && rec.UtilityType != f.UtilityType {
			continue
		}
		if f.BillingMonth != "" && rec.BillingMonth != f.BillingMonth {
			continue
		}
		if f.Before != "" && rec.BillingMonth >= f.Before {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	if f.Before != "" {
		sort.Slice(out, func(i, j int) bool { return out[i].BillingMonth > out[j].BillingMonth })
	} else {
		sort.Slice(out, func(i, j int) bool {
			if out[i].BillingMonth != out[j].BillingMonth {
				return out[i].BillingMonth < out[j].BillingMonth
			}
			return out[i].UserID < out[j].UserID
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStorage) ListBillingMonths(ctx context.Context, utilityType, from, to string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, rec := range m.records {
		if rec.UtilityType != utilityType || rec.BillingMonth < from || rec.BillingMonth > to {
			continue
		}
		if !seen[rec.BillingMonth] {
			seen[rec.BillingMonth] = true
			out = append(out, rec.BillingMonth)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStorage) ApplyRecalculation(ctx context.Context, upd *RecordUpdate, outbox []NotificationOutbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if upd != nil {
		rec, ok := m.records[upd.ID]
		if !ok {
			return fmt.Errorf("consumption record %s: %w", upd.ID, ErrNotFound)
		}
		if rec.Revision != upd.ExpectedRevision {
			return fmt.Errorf("consumption record %s: %w", upd.ID, ErrConflict)
		}
		if upd.Consumption != nil {
			rec.Consumption = *upd.Consumption
		}
		if upd.ActualCost.Valid {
			rec.ActualCost = upd.ActualCost
		}
		if upd.MeterReadingIDs != nil {
			rec.MeterReadingIDs = cloneStrings(upd.MeterReadingIDs)
		}
		if upd.ForecastConfidence != nil {
			v := *upd.ForecastConfidence
			rec.ForecastConfidence = &v
		}
		rec.EstimatedCost = upd.EstimatedCost
		rec.RateVersionID = upd.RateVersionID
		rec.RateSource = upd.RateSource
		rec.CostUpdatedAt = upd.CostUpdatedAt
		rec.Revision++
		m.records[upd.ID] = rec
	}
	for _, o := range outbox {
		if _, dup := m.outboxKeys[o.DedupeKey]; dup {
			continue
		}
		m.outbox[o.ID] = o
		m.outboxKeys[o.DedupeKey] = o.ID
	}
	return nil
}

// Detector cursors

func (m *MemoryStorage) GetRateCursor(ctx context.Context, utilityType string) (*RateCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[utilityType]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStorage) SaveRateCursor(ctx context.Context, c RateCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[c.UtilityType] = c
	return nil
}

// Rate update events

func (m *MemoryStorage) CreateRateUpdateEvent(ctx context.Context, ev RateUpdateEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.events {
		if other.UtilityType == ev.UtilityType &&
			other.OldRateVersionID == ev.OldRateVersionID &&
			other.NewRateVersionID == ev.NewRateVersionID {
			return ErrConflict
		}
	}
	m.events[ev.ID] = copyEvent(ev)
	return nil
}

func (m *MemoryStorage) GetRateUpdateEvent(ctx context.Context, id string) (*RateUpdateEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, nil
	}
	cp := copyEvent(ev)
	return &cp, nil
}

func (m *MemoryStorage) FindRateUpdateEvent(ctx context.Context, utilityType, oldVersionID, newVersionID string) (*RateUpdateEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.UtilityType == utilityType && ev.OldRateVersionID == oldVersionID && ev.NewRateVersionID == newVersionID {
			cp := copyEvent(ev)
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) sortedEvents(keep func(RateUpdateEvent) bool) []RateUpdateEvent {
	var out []RateUpdateEvent
	for _, ev := range m.events {
		if keep(ev) {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStorage) ListRateUpdateEvents(ctx context.Context, utilityType string, limit int) ([]RateUpdateEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.sortedEvents(func(ev RateUpdateEvent) bool {
		return utilityType == "" || ev.UtilityType == utilityType
	})
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStorage) ListUnsentRateUpdateEvents(ctx context.Context) ([]RateUpdateEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedEvents(func(ev RateUpdateEvent) bool { return !ev.NotificationSent }), nil
}

func (m *MemoryStorage) MarkRateUpdateEventSent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	ev.NotificationSent = true
	m.events[id] = ev
	return nil
}

// Recalculation audit

func (m *MemoryStorage) CreateMetricsRecalculation(ctx context.Context, rec MetricsRecalculation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.AffectedMonths = cloneStrings(rec.AffectedMonths)
	m.recalcs = append(m.recalcs, rec)
	return nil
}

func (m *MemoryStorage) ListMetricsRecalculations(ctx context.Context, utilityType string, limit int) ([]MetricsRecalculation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MetricsRecalculation
	for i := len(m.recalcs) - 1; i >= 0; i-- {
		r := m.recalcs[i]
		if utilityType != "" && r.UtilityType != utilityType {
			continue
		}
		r.AffectedMonths = cloneStrings(r.AffectedMonths)
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Outbox

func (m *MemoryStorage) ListPendingOutbox(ctx context.Context, limit int) ([]NotificationOutbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []NotificationOutbox
	for _, o := range m.outbox {
		if !o.Processed {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].DedupeKey < out[j].DedupeKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStorage) CountPendingOutbox(ctx context.Context, eventID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, o := range m.outbox {
		if o.EventID == eventID && !o.Processed {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStorage) MarkOutboxProcessed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	o.Processed = true
	o.ProcessedAt = &at
	m.outbox[id] = o
	return nil
}

// Notifications

func (m *MemoryStorage) CreateNotificationIfAbsent(ctx context.Context, n RateUpdateNotification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.notifyKeys[n.DedupeKey]; dup {
		return false, nil
	}
	m.notifications[n.ID] = n
	m.notifyKeys[n.DedupeKey] = n.ID
	return true, nil
}

func (m *MemoryStorage) GetNotification(ctx context.Context, id string) (*RateUpdateNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (m *MemoryStorage) ListNotifications(ctx context.Context, f NotificationFilter) ([]RateUpdateNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RateUpdateNotification
	for _, n := range m.notifications {
		if f.UserID != "" && n.UserID != f.UserID {
			continue
		}
		if f.UnreadOnly && n.ReadAt != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStorage) ListUndeliveredNotifications(ctx context.Context, maxAttempts, limit int) ([]RateUpdateNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RateUpdateNotification
	for _, n := range m.notifications {
		if n.SentAt == nil && n.Attempts < maxAttempts {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStorage) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.SentAt = &at
	m.notifications[id] = n
	return nil
}

func (m *MemoryStorage) RecordNotificationFailure(ctx context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Attempts++
	n.LastError = errMsg
	m.notifications[id] = n
	return nil
}

func (m *MemoryStorage) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	if n.ReadAt == nil {
		n.ReadAt = &at
		m.notifications[id] = n
	}
	return nil
}

// Delivery settings

func (m *MemoryStorage) GetRecipient(ctx context.Context, userID string) (*NotificationRecipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recipients[userID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryStorage) UpsertRecipient(ctx context.Context, r NotificationRecipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[r.UserID] = r
	return nil
}

func (m *MemoryStorage) GetEmailConfig(ctx context.Context) (*EmailConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.emailConfig == nil {
		return nil, nil
	}
	cp := *m.emailConfig
	return &cp, nil
}

func (m *MemoryStorage) SaveEmailConfig(ctx context.Context, cfg EmailConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.UpdatedAt = time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = cfg.UpdatedAt
	}
	m.emailConfig = &cfg
	return nil
}

// Scheduled jobs

func (m *MemoryStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[name] = ScheduledJob{
		Name:           name,
		LastRunAt:      started,
		LastDurationMs: dur.Milliseconds(),
		LastSuccess:    success,
		LastError:      errMsg,
	}
	return nil
}

func (m *MemoryStorage) ListScheduledJobs(ctx context.Context) ([]ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ScheduledJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
