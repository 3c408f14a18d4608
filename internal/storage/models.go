package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// RateTier is one consumption bracket of a tiered rate. A nil TierMax means
// the bracket is unbounded.
type RateTier struct {
	TierMin      decimal.Decimal  `json:"tier_min"`
	TierMax      *decimal.Decimal `json:"tier_max,omitempty"`
	PricePerUnit decimal.Decimal  `json:"price_per_unit"`
}

// RateVersion is an immutable, dated price record for a utility type.
type RateVersion struct {
	ID                 string                        `json:"id" gorm:"primaryKey;column:id"`
	UtilityType        string                        `json:"utility_type" gorm:"column:utility_type;index:idx_rate_versions_utility_effective,priority:1"`
	Version            int                           `json:"version" gorm:"column:version"`
	PricePerUnit       decimal.Decimal               `json:"price_per_unit" gorm:"column:price_per_unit;type:numeric(14,6)"`
	EffectiveDate      time.Time                     `json:"effective_date" gorm:"column:effective_date;index:idx_rate_versions_utility_effective,priority:2"`
	PublishDate        *time.Time                    `json:"publish_date,omitempty" gorm:"column:publish_date"`
	TieredRates        datatypes.JSONSlice[RateTier] `json:"tiered_rates,omitempty" gorm:"column:tiered_rates"`
	SeasonalMultiplier decimal.Decimal               `json:"seasonal_multiplier" gorm:"column:seasonal_multiplier;type:numeric(8,4)"`
	Region             string                        `json:"region" gorm:"column:region"`
	Source             string                        `json:"source" gorm:"column:source"`
	IsCurrent          bool                          `json:"is_current" gorm:"column:is_current"`
	CreatedAt          time.Time                     `json:"created_at" gorm:"column:created_at"`
}

func (RateVersion) TableName() string { return "rate_versions" }

// ConsumptionRecord is one user's consumption for a utility type and billing
// month, priced with the rate that governed it.
type ConsumptionRecord struct {
	ID                 string                      `json:"id" gorm:"primaryKey;column:id"`
	UserID             string                      `json:"user_id" gorm:"column:user_id;uniqueIndex:ux_consumption_user_month,priority:1"`
	UtilityType        string                      `json:"utility_type" gorm:"column:utility_type;uniqueIndex:ux_consumption_user_month,priority:2;index:idx_consumption_month,priority:1"`
	BillingMonth       string                      `json:"billing_month" gorm:"column:billing_month;uniqueIndex:ux_consumption_user_month,priority:3;index:idx_consumption_month,priority:2"`
	Consumption        decimal.Decimal             `json:"consumption" gorm:"column:consumption;type:numeric(14,4)"`
	EstimatedCost      decimal.Decimal             `json:"estimated_cost" gorm:"column:estimated_cost;type:numeric(14,2)"`
	ActualCost         decimal.NullDecimal         `json:"actual_cost" gorm:"column:actual_cost;type:numeric(14,2)"`
	RateSource         string                      `json:"rate_source" gorm:"column:rate_source"`
	RateVersionID      string                      `json:"rate_version_id" gorm:"column:rate_version_id"`
	CostUpdatedAt      time.Time                   `json:"cost_updated_at" gorm:"column:cost_updated_at"`
	MeterReadingIDs    datatypes.JSONSlice[string] `json:"meter_reading_ids" gorm:"column:meter_reading_ids"`
	ForecastConfidence *float64                    `json:"forecast_confidence,omitempty" gorm:"column:forecast_confidence"`
	// Revision is bumped on every write and guards compare-and-set updates.
	Revision  int64     `json:"-" gorm:"column:revision"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
}

func (ConsumptionRecord) TableName() string { return "consumption_records" }

// CostChange is the per-record delta carried by a RateUpdateEvent.
type CostChange struct {
	BillingMonth  string          `json:"billing_month"`
	UserID        string          `json:"user_id"`
	RecordID      string          `json:"record_id"`
	OldCost       decimal.Decimal `json:"old_cost"`
	NewCost       decimal.Decimal `json:"new_cost"`
	Difference    decimal.Decimal `json:"difference"`
	OldRateSource string          `json:"old_rate_source"`
	NewRateSource string          `json:"new_rate_source"`
}

// RateUpdateEvent records one detected rate transition for a utility type.
type RateUpdateEvent struct {
	ID               string                          `json:"id" gorm:"primaryKey;column:id"`
	UtilityType      string                          `json:"utility_type" gorm:"column:utility_type;uniqueIndex:ux_rate_update_transition,priority:1"`
	OldRateVersionID string                          `json:"old_rate_version_id" gorm:"column:old_rate_version_id;uniqueIndex:ux_rate_update_transition,priority:2"`
	NewRateVersionID string                          `json:"new_rate_version_id" gorm:"column:new_rate_version_id;uniqueIndex:ux_rate_update_transition,priority:3"`
	AffectedMonths   datatypes.JSONSlice[string]     `json:"affected_months" gorm:"column:affected_months"`
	CostChanges      datatypes.JSONSlice[CostChange] `json:"cost_changes" gorm:"column:cost_changes"`
	NotificationSent bool                            `json:"notification_sent" gorm:"column:notification_sent"`
	CreatedAt        time.Time                       `json:"created_at" gorm:"column:created_at"`
}

func (RateUpdateEvent) TableName() string { return "rate_update_events" }

// MetricsRecalculation is the append-only audit row of one recalculation run.
type MetricsRecalculation struct {
	ID             string                      `json:"id" gorm:"primaryKey;column:id"`
	TriggerType    string                      `json:"trigger_type" gorm:"column:trigger_type"`
	UtilityType    string                      `json:"utility_type" gorm:"column:utility_type;index"`
	EventID        string                      `json:"event_id,omitempty" gorm:"column:event_id;index"`
	AffectedMonths datatypes.JSONSlice[string] `json:"affected_months" gorm:"column:affected_months"`
	MetricsUpdated int                         `json:"metrics_updated" gorm:"column:metrics_updated"`
	ExecutionMs    int64                       `json:"execution_ms" gorm:"column:execution_ms"`
	Success        bool                        `json:"success" gorm:"column:success"`
	ErrorMessage   string                      `json:"error_message,omitempty" gorm:"column:error_message"`
	CreatedAt      time.Time                   `json:"created_at" gorm:"column:created_at"`
}

func (MetricsRecalculation) TableName() string { return "metrics_recalculations" }

// RateUpdateNotification tells a user that the cost of one of their billing
// months moved (or became more trustworthy).
type RateUpdateNotification struct {
	ID               string          `json:"id" gorm:"primaryKey;column:id"`
	UserID           string          `json:"user_id" gorm:"column:user_id;index"`
	UtilityType      string          `json:"utility_type" gorm:"column:utility_type"`
	BillingMonth     string          `json:"billing_month" gorm:"column:billing_month"`
	OldRateVersionID string          `json:"old_rate_version_id" gorm:"column:old_rate_version_id"`
	NewRateVersionID string          `json:"new_rate_version_id" gorm:"column:new_rate_version_id"`
	OldCost          decimal.Decimal `json:"old_cost" gorm:"column:old_cost;type:numeric(14,2)"`
	NewCost          decimal.Decimal `json:"new_cost" gorm:"column:new_cost;type:numeric(14,2)"`
	CostDelta        decimal.Decimal `json:"cost_delta" gorm:"column:cost_delta;type:numeric(14,2)"`
	OldRateSource    string          `json:"old_rate_source" gorm:"column:old_rate_source"`
	NewRateSource    string          `json:"new_rate_source" gorm:"column:new_rate_source"`
	NotificationType string          `json:"notification_type" gorm:"column:notification_type"`
	DedupeKey        string          `json:"-" gorm:"column:dedupe_key;uniqueIndex"`
	Attempts         int             `json:"-" gorm:"column:attempts"`
	LastError        string          `json:"-" gorm:"column:last_error"`
	CreatedAt        time.Time       `json:"created_at" gorm:"column:created_at"`
	SentAt           *time.Time      `json:"sent_at,omitempty" gorm:"column:sent_at"`
	ReadAt           *time.Time      `json:"read_at,omitempty" gorm:"column:read_at"`
}

func (RateUpdateNotification) TableName() string { return "rate_update_notifications" }

// RateCursor is the last current rate version the detector observed for a
// utility type.
type RateCursor struct {
	UtilityType       string    `json:"utility_type" gorm:"primaryKey;column:utility_type"`
	LastRateVersionID string    `json:"last_rate_version_id" gorm:"column:last_rate_version_id"`
	UpdatedAt         time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (RateCursor) TableName() string { return "rate_cursors" }

// NotificationOutbox is written in the same transaction as a recalculated
// record and drained into RateUpdateNotification rows.
type NotificationOutbox struct {
	ID               string          `json:"id" gorm:"primaryKey;column:id"`
	EventID          string          `json:"event_id" gorm:"column:event_id;index"`
	UtilityType      string          `json:"utility_type" gorm:"column:utility_type"`
	BillingMonth     string          `json:"billing_month" gorm:"column:billing_month"`
	UserID           string          `json:"user_id" gorm:"column:user_id"`
	RecordID         string          `json:"record_id" gorm:"column:record_id"`
	OldRateVersionID string          `json:"old_rate_version_id" gorm:"column:old_rate_version_id"`
	NewRateVersionID string          `json:"new_rate_version_id" gorm:"column:new_rate_version_id"`
	OldCost          decimal.Decimal `json:"old_cost" gorm:"column:old_cost;type:numeric(14,2)"`
	NewCost          decimal.Decimal `json:"new_cost" gorm:"column:new_cost;type:numeric(14,2)"`
	OldRateSource    string          `json:"old_rate_source" gorm:"column:old_rate_source"`
	NewRateSource    string          `json:"new_rate_source" gorm:"column:new_rate_source"`
	DedupeKey        string          `json:"dedupe_key" gorm:"column:dedupe_key;uniqueIndex"`
	Processed        bool            `json:"processed" gorm:"column:processed;index"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty" gorm:"column:processed_at"`
	CreatedAt        time.Time       `json:"created_at" gorm:"column:created_at"`
}

func (NotificationOutbox) TableName() string { return "notification_outbox" }

// NotificationRecipient maps a user to an email address for delivery.
type NotificationRecipient struct {
	UserID    string    `json:"user_id" gorm:"primaryKey;column:user_id"`
	Email     string    `json:"email" gorm:"column:email"`
	Enabled   bool      `json:"enabled" gorm:"column:enabled"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (NotificationRecipient) TableName() string { return "notification_recipients" }

// EmailConfig holds configuration for email notifications.
type EmailConfig struct {
	ID          string    `json:"id" gorm:"primaryKey;column:id"`
	Provider    string    `json:"provider" gorm:"column:provider"` // "smtp", "gmail", "sendgrid"
	Host        string    `json:"host,omitempty" gorm:"column:host"`
	Port        int       `json:"port,omitempty" gorm:"column:port"`
	Username    string    `json:"username,omitempty" gorm:"column:username"`
	Password    string    `json:"password,omitempty" gorm:"column:password"`
	FromAddress string    `json:"from_address" gorm:"column:from_address"`
	FromName    string    `json:"from_name" gorm:"column:from_name"`
	APIKey      string    `json:"api_key,omitempty" gorm:"column:api_key"`
	Encryption  string    `json:"encryption,omitempty" gorm:"column:encryption"` // "none", "ssl", "tls"
	Enabled     bool      `json:"enabled" gorm:"column:enabled"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (EmailConfig) TableName() string { return "email_configs" }

type ScheduledJob struct {
	Name           string    `json:"name" gorm:"primaryKey;column:name"`
	LastRunAt      time.Time `json:"last_run_at" gorm:"column:last_run_at"`
	LastDurationMs int64     `json:"last_duration_ms" gorm:"column:last_duration_ms"`
	LastSuccess    bool      `json:"last_success" gorm:"column:last_success"`
	LastError      string    `json:"last_error" gorm:"column:last_error"`
}

func (ScheduledJob) TableName() string { return "scheduled_jobs" }
