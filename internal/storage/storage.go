package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrConflict reports a lost compare-and-set or a unique-key collision.
	ErrConflict = errors.New("storage: conflict")
	// ErrNotFound is returned by writes that target a missing row. Lookups
	// return (nil, nil) instead.
	ErrNotFound = errors.New("storage: not found")
)

// ConsumptionFilter narrows ListConsumptionRecords. Empty fields match all.
type ConsumptionFilter struct {
	UserID       string
	UtilityType  string
	BillingMonth string
	// Before keeps months strictly earlier than this YYYY-MM label.
	Before string
	Limit  int
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	UserID     string
	UnreadOnly bool
	Limit      int
}

// RecordUpdate is a compare-and-set rewrite of a ConsumptionRecord. The write
// only lands if the stored revision still equals ExpectedRevision.
type RecordUpdate struct {
	ID               string
	ExpectedRevision int64

	Consumption        *decimal.Decimal
	ActualCost         decimal.NullDecimal
	MeterReadingIDs    []string
	EstimatedCost      decimal.Decimal
	RateVersionID      string
	RateSource         string
	ForecastConfidence *float64
	CostUpdatedAt      time.Time
}

// Storage abstracts persistence for the rate catalog, consumption records and
// the recalculation pipeline.
type Storage interface {
	// Rate catalog
	ListRateVersions(ctx context.Context, utilityType string) ([]RateVersion, error)
	GetCurrentRateVersion(ctx context.Context, utilityType string) (*RateVersion, error)
	GetRateVersion(ctx context.Context, id string) (*RateVersion, error)
	// CreateRateVersion inserts rv. When rv.IsCurrent is set the previous
	// current version of the utility type is flipped in the same transaction.
	CreateRateVersion(ctx context.Context, rv RateVersion) error

	// Consumption records
	CreateConsumptionRecord(ctx context.Context, rec ConsumptionRecord) error
	GetConsumptionRecord(ctx context.Context, id string) (*ConsumptionRecord, error)
	FindConsumptionRecord(ctx context.Context, userID, utilityType, billingMonth string) (*ConsumptionRecord, error)
	ListConsumptionRecords(ctx context.Context, f ConsumptionFilter) ([]ConsumptionRecord, error)
	// ListBillingMonths returns the distinct months in [from, to] that have
	// records, ascending.
	ListBillingMonths(ctx context.Context, utilityType, from, to string) ([]string, error)
	// ApplyRecalculation applies upd (when non-nil) and enqueues outbox rows
	// in one transaction. Outbox rows whose dedupe key exists are skipped.
	ApplyRecalculation(ctx context.Context, upd *RecordUpdate, outbox []NotificationOutbox) error

	// Detector cursors
	GetRateCursor(ctx context.Context, utilityType string) (*RateCursor, error)
	SaveRateCursor(ctx context.Context, c RateCursor) error

	// Rate update events
	CreateRateUpdateEvent(ctx context.Context, ev RateUpdateEvent) error
	GetRateUpdateEvent(ctx context.Context, id string) (*RateUpdateEvent, error)
	FindRateUpdateEvent(ctx context.Context, utilityType, oldVersionID, newVersionID string) (*RateUpdateEvent, error)
	ListRateUpdateEvents(ctx context.Context, utilityType string, limit int) ([]RateUpdateEvent, error)
	ListUnsentRateUpdateEvents(ctx context.Context) ([]RateUpdateEvent, error)
	MarkRateUpdateEventSent(ctx context.Context, id string) error

	// Recalculation audit
	CreateMetricsRecalculation(ctx context.Context, m MetricsRecalculation) error
	ListMetricsRecalculations(ctx context.Context, utilityType string, limit int) ([]MetricsRecalculation, error)

	// Outbox
	ListPendingOutbox(ctx context.Context, limit int) ([]NotificationOutbox, error)
	CountPendingOutbox(ctx context.Context, eventID string) (int64, error)
	MarkOutboxProcessed(ctx context.Context, id string, at time.Time) error

	// Notifications
	// CreateNotificationIfAbsent reports whether n was inserted; false means
	// a row with the same dedupe key already exists.
	CreateNotificationIfAbsent(ctx context.Context, n RateUpdateNotification) (bool, error)
	GetNotification(ctx context.Context, id string) (*RateUpdateNotification, error)
	ListNotifications(ctx context.Context, f NotificationFilter) ([]RateUpdateNotification, error)
	ListUndeliveredNotifications(ctx context.Context, maxAttempts, limit int) ([]RateUpdateNotification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	RecordNotificationFailure(ctx context.Context, id, errMsg string) error
	MarkNotificationRead(ctx context.Context, id string, at time.Time) error

	// Delivery settings
	GetRecipient(ctx context.Context, userID string) (*NotificationRecipient, error)
	UpsertRecipient(ctx context.Context, r NotificationRecipient) error
	GetEmailConfig(ctx context.Context) (*EmailConfig, error)
	SaveEmailConfig(ctx context.Context, cfg EmailConfig) error

	// Scheduled job bookkeeping
	UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error
	ListScheduledJobs(ctx context.Context) ([]ScheduledJob, error)

	Ping(ctx context.Context) error
	// Close releases any resources (no-op for in-memory).
	Close() error
}

// AllModels lists every persisted model, in creation order.
func AllModels() []interface{} {
	return []interface{}{
		&RateVersion{},
		&ConsumptionRecord{},
		&RateUpdateEvent{},
		&MetricsRecalculation{},
		&RateUpdateNotification{},
		&RateCursor{},
		&NotificationOutbox{},
		&NotificationRecipient{},
		&EmailConfig{},
		&ScheduledJob{},
	}
}
