package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type GormStorage struct {
	db *gorm.DB
}

func NewGormStorage(driver, dsn string) (*GormStorage, error) {
	var gormDialector gorm.Dialector
	switch driver {
	case "postgres":
		gormDialector = postgres.Open(dsn)
	case "sqlite":
		gormDialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := gorm.Open(gormDialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		// sqlite serializes writers; one connection avoids "database is locked".
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &GormStorage{db: db}, nil
}

// NewGormStorageFromDB wraps an already opened gorm handle.
func NewGormStorageFromDB(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(AllModels()...)
}

// Rate catalog

func (s *GormStorage) ListRateVersions(ctx context.Context, utilityType string) ([]RateVersion, error) {
	var out []RateVersion
	result := s.db.WithContext(ctx).
		Where("utility_type = ?", utilityType).
		Order("effective_date, created_at").
		Find(&out)
	return out, result.Error
}

func (s *GormStorage) GetCurrentRateVersion(ctx context.Context, utilityType string) (*RateVersion, error) {
	var rv RateVersion
	result := s.db.WithContext(ctx).First(&rv, "utility_type = ? AND is_current = ?", utilityType, true)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &rv, nil
}

func (s *GormStorage) GetRateVersion(ctx context.Context, id string) (*RateVersion, error) {
	var rv RateVersion
	result := s.db.WithContext(ctx).First(&rv, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &rv, nil
}

func (s *GormStorage) CreateRateVersion(ctx context.Context, rv RateVersion) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rv.IsCurrent {
			err := tx.Model(&RateVersion{}).
				Where("utility_type = ? AND is_current = ?", rv.UtilityType, true).
				Update("is_current", false).Error
			if err != nil {
				return err
			}
		}
		return tx.Create(&rv).Error
	})
}

// Consumption records

func (s *GormStorage) CreateConsumptionRecord(ctx context.Context, rec ConsumptionRecord) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *GormStorage) GetConsumptionRecord(ctx context.Context, id string) (*ConsumptionRecord, error) {
	var rec ConsumptionRecord
	result := s.db.WithContext(ctx).First(&rec, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &rec, nil
}

func (s *GormStorage) FindConsumptionRecord(ctx context.Context, userID, utilityType, billingMonth string) (*ConsumptionRecord, error) {
	var rec ConsumptionRecord
	result := s.db.WithContext(ctx).First(&rec,
		"user_id = ? AND utility_type = ? AND billing_month = ?", userID, utilityType, billingMonth)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &rec, nil
}

func (s *GormStorage) ListConsumptionRecords(ctx context.Context, f ConsumptionFilter) ([]ConsumptionRecord, error) {
	q := s.db.WithContext(ctx).Model(&ConsumptionRecord{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.UtilityType != "" {
		q = q.Where("utility_type = ?", f.UtilityType)
	}
	if f.BillingMonth != "" {
		q = q.Where("billing_month = ?", f.BillingMonth)
	}
	if f.Before != "" {
		q = q.Where("billing_month < ?", f.Before)
		q = q.Order("billing_month desc")
	} else {
		q = q.Order("billing_month, user_id")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []ConsumptionRecord
	return out, q.Find(&out).Error
}

func (s *GormStorage) ListBillingMonths(ctx context.Context, utilityType, from, to string) ([]string, error) {
	var months []string
	result := s.db.WithContext(ctx).Model(&ConsumptionRecord{}).
		Distinct("billing_month").
		Where("utility_type = ? AND billing_month >= ? AND billing_month <= ?", utilityType, from, to).
		Order("billing_month").
		Pluck("billing_month", &months)
	return months, result.Error
}

func (s *GormStorage) ApplyRecalculation(ctx context.Context, upd *RecordUpdate, outbox []NotificationOutbox) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if upd != nil {
			values := map[string]interface{}{
				"estimated_cost":  upd.EstimatedCost,
				"rate_version_id": upd.RateVersionID,
				"rate_source":     upd.RateSource,
				"cost_updated_at": upd.CostUpdatedAt,
				"revision":        gorm.Expr("revision + 1"),
			}
			if upd.Consumption != nil {
				values["consumption"] = *upd.Consumption
			}
			if upd.ActualCost.Valid {
				values["actual_cost"] = upd.ActualCost
			}
			if upd.MeterReadingIDs != nil {
				values["meter_reading_ids"] = datatypes.JSONSlice[string](upd.MeterReadingIDs)
			}
			if upd.ForecastConfidence != nil {
				values["forecast_confidence"] = *upd.ForecastConfidence
			}
			result := tx.Model(&ConsumptionRecord{}).
				Where("id = ? AND revision = ?", upd.ID, upd.ExpectedRevision).
				Updates(values)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				var n int64
				if err := tx.Model(&ConsumptionRecord{}).Where("id = ?", upd.ID).Count(&n).Error; err != nil {
					return err
				}
				if n == 0 {
					return fmt.Errorf("consumption record %s: %w", upd.ID, ErrNotFound)
				}
				return fmt.Errorf("consumption record %s: %w", upd.ID, ErrConflict)
			}
		}
		if len(outbox) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&outbox).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Detector cursors

func (s *GormStorage) GetRateCursor(ctx context.Context, utilityType string) (*RateCursor, error) {
	var c RateCursor
	result := s.db.WithContext(ctx).First(&c, "utility_type = ?", utilityType)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &c, nil
}

func (s *GormStorage) SaveRateCursor(ctx context.Context, c RateCursor) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "utility_type"}},
		UpdateAll: true,
	}).Create(&c).Error
}

// Rate update events

func (s *GormStorage) CreateRateUpdateEvent(ctx context.Context, ev RateUpdateEvent) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *GormStorage) GetRateUpdateEvent(ctx context.Context, id string) (*RateUpdateEvent, error) {
	var ev RateUpdateEvent
	result := s.db.WithContext(ctx).First(&ev, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &ev, nil
}

func (s *GormStorage) FindRateUpdateEvent(ctx context.Context, utilityType, oldVersionID, newVersionID string) (*RateUpdateEvent, error) {
	var ev RateUpdateEvent
	result := s.db.WithContext(ctx).First(&ev,
		"utility_type = ? AND old_rate_version_id = ? AND new_rate_version_id = ?",
		utilityType, oldVersionID, newVersionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &ev, nil
}

func (s *GormStorage) ListRateUpdateEvents(ctx context.Context, utilityType string, limit int) ([]RateUpdateEvent, error) {
	q := s.db.WithContext(ctx).Order("created_at desc")
	if utilityType != "" {
		q = q.Where("utility_type = ?", utilityType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []RateUpdateEvent
	return out, q.Find(&out).Error
}

func (s *GormStorage) ListUnsentRateUpdateEvents(ctx context.Context) ([]RateUpdateEvent, error) {
	var out []RateUpdateEvent
	result := s.db.WithContext(ctx).
		Where("notification_sent = ?", false).
		Order("created_at").
		Find(&out)
	return out, result.Error
}

func (s *GormStorage) MarkRateUpdateEventSent(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&RateUpdateEvent{}).
		Where("id = ?", id).
		Update("notification_sent", true).Error
}

// Recalculation audit

func (s *GormStorage) CreateMetricsRecalculation(ctx context.Context, m MetricsRecalculation) error {
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStorage) ListMetricsRecalculations(ctx context.Context, utilityType string, limit int) ([]MetricsRecalculation, error) {
	q := s.db.WithContext(ctx).Order("created_at desc")
	if utilityType != "" {
		q = q.Where("utility_type = ?", utilityType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []MetricsRecalculation
	return out, q.Find(&out).Error
}

// Outbox

func (s *GormStorage) ListPendingOutbox(ctx context.Context, limit int) ([]NotificationOutbox, error) {
	q := s.db.WithContext(ctx).Where("processed = ?", false).Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []NotificationOutbox
	return out, q.Find(&out).Error
}

func (s *GormStorage) CountPendingOutbox(ctx context.Context, eventID string) (int64, error) {
	var n int64
	result := s.db.WithContext(ctx).Model(&NotificationOutbox{}).
		Where("event_id = ? AND processed = ?", eventID, false).
		Count(&n)
	return n, result.Error
}

func (s *GormStorage) MarkOutboxProcessed(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&NotificationOutbox{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": at}).Error
}

// Notifications

func (s *GormStorage) CreateNotificationIfAbsent(ctx context.Context, n RateUpdateNotification) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&n)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStorage) GetNotification(ctx context.Context, id string) (*RateUpdateNotification, error) {
	var n RateUpdateNotification
	result := s.db.WithContext(ctx).First(&n, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &n, nil
}

func (s *GormStorage) ListNotifications(ctx context.Context, f NotificationFilter) ([]RateUpdateNotification, error) {
	q := s.db.WithContext(ctx).Order("created_at desc")
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.UnreadOnly {
		q = q.Where("read_at IS NULL")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []RateUpdateNotification
	return out, q.Find(&out).Error
}

func (s *GormStorage) ListUndeliveredNotifications(ctx context.Context, maxAttempts, limit int) ([]RateUpdateNotification, error) {
	q := s.db.WithContext(ctx).
		Where("sent_at IS NULL AND attempts < ?", maxAttempts).
		Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []RateUpdateNotification
	return out, q.Find(&out).Error
}

func (s *GormStorage) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&RateUpdateNotification{}).
		Where("id = ?", id).
		Update("sent_at", at).Error
}

func (s *GormStorage) RecordNotificationFailure(ctx context.Context, id, errMsg string) error {
	return s.db.WithContext(ctx).Model(&RateUpdateNotification{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": errMsg,
		}).Error
}

func (s *GormStorage) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&RateUpdateNotification{}).
		Where("id = ? AND read_at IS NULL", id).
		Update("read_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		n, err := s.GetNotification(ctx, id)
		if err != nil {
			return err
		}
		if n == nil {
			return ErrNotFound
		}
	}
	return nil
}

// Delivery settings

func (s *GormStorage) GetRecipient(ctx context.Context, userID string) (*NotificationRecipient, error) {
	var r NotificationRecipient
	result := s.db.WithContext(ctx).First(&r, "user_id = ?", userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &r, nil
}

func (s *GormStorage) UpsertRecipient(ctx context.Context, r NotificationRecipient) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&r).Error
}

func (s *GormStorage) GetEmailConfig(ctx context.Context) (*EmailConfig, error) {
	var cfg EmailConfig
	result := s.db.WithContext(ctx).Order("updated_at desc").First(&cfg)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &cfg, nil
}

func (s *GormStorage) SaveEmailConfig(ctx context.Context, cfg EmailConfig) error {
	cfg.UpdatedAt = time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = cfg.UpdatedAt
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&cfg).Error
}

// Scheduled jobs

func (s *GormStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	job := ScheduledJob{
		Name:           name,
		LastRunAt:      started,
		LastDurationMs: dur.Milliseconds(),
		LastSuccess:    success,
		LastError:      errMsg,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		UpdateAll: true,
	}).Create(&job).Error
}

func (s *GormStorage) ListScheduledJobs(ctx context.Context) ([]ScheduledJob, error) {
	var out []ScheduledJob
	return out, s.db.WithContext(ctx).Order("name").Find(&out).Error
}

func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
