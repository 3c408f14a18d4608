package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/metrics"
	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Notification types.
const (
	TypeRatePublished    = "rate_published"
	TypeCostUpdated      = "cost_updated"
	TypeForecastImproved = "forecast_improved"
)

// Classify picks the notification type for a cost transition. A zero delta
// can only reach here as a confidence upgrade.
func Classify(oldSource, newSource string, delta decimal.Decimal) string {
	if delta.IsZero() {
		return TypeForecastImproved
	}
	if rates.Source(oldSource).Rank() < 2 && rates.Source(newSource).Rank() == 2 {
		return TypeRatePublished
	}
	return TypeCostUpdated
}

type DispatcherConfig struct {
	// MaxAttempts stops delivery retries for a notification. Defaults to 5.
	MaxAttempts int
	// BatchSize bounds outbox rows and notifications handled per call.
	BatchSize int
}

// Dispatcher turns outbox rows into notifications and delivers them.
// Delivery failures are recorded and retried; they never touch the
// recalculated records.
type Dispatcher struct {
	store    storage.Storage
	channels []Channel
	clock    clock.Clock
	cfg      DispatcherConfig
	logger   *zap.Logger
}

func NewDispatcher(store storage.Storage, channels []Channel, clk clock.Clock, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Dispatcher{
		store:    store,
		channels: channels,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.Named("dispatcher"),
	}
}

type DrainResult struct {
	Created    int
	Duplicates int
	// EventIDs lists the events whose outbox rows were processed.
	EventIDs []string
}

// Drain converts pending outbox rows into notifications. A row whose dedupe
// key already has a notification is marked processed without a new one.
func (d *Dispatcher) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	pending, err := d.store.ListPendingOutbox(ctx, d.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list outbox: %w", err)
	}
	metrics.OutboxPending.Set(float64(len(pending)))

	seen := make(map[string]bool)
	for _, o := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n := fromOutbox(o, d.clock)
		created, err := d.store.CreateNotificationIfAbsent(ctx, n)
		if err != nil {
			return res, fmt.Errorf("create notification %s: %w", o.DedupeKey, err)
		}
		if created {
			res.Created++
			metrics.NotificationsCreatedTotal.WithLabelValues(n.NotificationType).Inc()
		} else {
			res.Duplicates++
		}
		if err := d.store.MarkOutboxProcessed(ctx, o.ID, d.clock.Now()); err != nil {
			return res, fmt.Errorf("mark outbox %s: %w", o.ID, err)
		}
		if !seen[o.EventID] {
			seen[o.EventID] = true
			res.EventIDs = append(res.EventIDs, o.EventID)
		}
	}

	if len(pending) > 0 {
		d.logger.Info("outbox drained",
			zap.Int("created", res.Created),
			zap.Int("duplicates", res.Duplicates),
		)
	}
	return res, nil
}

// CompleteEvents marks each event as notified once none of its outbox rows
// is pending. Callers pass only events whose recalculation fully succeeded.
func (d *Dispatcher) CompleteEvents(ctx context.Context, eventIDs []string) error {
	var errs []error
	for _, id := range eventIDs {
		n, err := d.store.CountPendingOutbox(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("count outbox %s: %w", id, err))
			continue
		}
		if n > 0 {
			continue
		}
		if err := d.store.MarkRateUpdateEventSent(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("mark event %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

type DeliverResult struct {
	Sent   int
	Failed int
}

// Deliver pushes undelivered notifications through every channel. A
// notification is sent only when all channels accept it.
func (d *Dispatcher) Deliver(ctx context.Context) (DeliverResult, error) {
	var res DeliverResult
	list, err := d.store.ListUndeliveredNotifications(ctx, d.cfg.MaxAttempts, d.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list undelivered: %w", err)
	}

	for _, n := range list {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := d.deliverOne(ctx, n); err != nil {
			res.Failed++
			d.logger.Warn("notification delivery failed",
				zap.String("notification_id", n.ID),
				zap.String("user_id", n.UserID),
				zap.Int("attempt", n.Attempts+1),
				zap.Error(err),
			)
			if rerr := d.store.RecordNotificationFailure(ctx, n.ID, err.Error()); rerr != nil {
				return res, fmt.Errorf("record failure %s: %w", n.ID, rerr)
			}
			continue
		}
		if err := d.store.MarkNotificationSent(ctx, n.ID, d.clock.Now()); err != nil {
			return res, fmt.Errorf("mark sent %s: %w", n.ID, err)
		}
		res.Sent++
	}
	return res, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, n storage.RateUpdateNotification) error {
	var errs []error
	for _, ch := range d.channels {
		if err := ch.Deliver(ctx, n); err != nil {
			metrics.NotificationDeliveriesTotal.WithLabelValues(ch.Name(), "failure").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		metrics.NotificationDeliveriesTotal.WithLabelValues(ch.Name(), "success").Inc()
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", rates.ErrNotificationDeliveryFailed, errors.Join(errs...))
	}
	return nil
}

// MarkRead records that the user has seen notification id.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	return d.store.MarkNotificationRead(ctx, id, d.clock.Now())
}

func fromOutbox(o storage.NotificationOutbox, clk clock.Clock) storage.RateUpdateNotification {
	delta := o.NewCost.Sub(o.OldCost)
	return storage.RateUpdateNotification{
		ID:               uuid.NewString(),
		UserID:           o.UserID,
		UtilityType:      o.UtilityType,
		BillingMonth:     o.BillingMonth,
		OldRateVersionID: o.OldRateVersionID,
		NewRateVersionID: o.NewRateVersionID,
		OldCost:          o.OldCost,
		NewCost:          o.NewCost,
		CostDelta:        delta,
		OldRateSource:    o.OldRateSource,
		NewRateSource:    o.NewRateSource,
		NotificationType: Classify(o.OldRateSource, o.NewRateSource, delta),
		DedupeKey:        o.DedupeKey,
		CreatedAt:        clk.Now(),
	}
}
