package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bher20/utilitycost/internal/storage"
	"go.uber.org/zap"
)

// Channel delivers a notification to one user-facing surface.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n storage.RateUpdateNotification) error
}

// emailSender is the part of Service the email channel needs.
type emailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// EmailChannel mails notifications to users with an enabled recipient
// address. Users without one are skipped, not failed.
type EmailChannel struct {
	sender emailSender
	store  storage.Storage
	logger *zap.Logger
}

func NewEmailChannel(sender emailSender, store storage.Storage, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{sender: sender, store: store, logger: logger.Named("email-channel")}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(ctx context.Context, n storage.RateUpdateNotification) error {
	r, err := c.store.GetRecipient(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("recipient %s: %w", n.UserID, err)
	}
	if r == nil || !r.Enabled || r.Email == "" {
		c.logger.Debug("no email recipient, skipping", zap.String("user_id", n.UserID))
		return nil
	}

	err = c.sender.SendEmail(ctx, r.Email, Subject(n), Body(n))
	if errors.Is(err, ErrEmailDisabled) {
		c.logger.Debug("email disabled, skipping", zap.String("notification_id", n.ID))
		return nil
	}
	return err
}

// Subject is the email subject line for n.
func Subject(n storage.RateUpdateNotification) string {
	switch n.NotificationType {
	case TypeRatePublished:
		return fmt.Sprintf("Official %s rate published for %s", n.UtilityType, n.BillingMonth)
	case TypeForecastImproved:
		return fmt.Sprintf("Your %s cost for %s is now confirmed", n.UtilityType, n.BillingMonth)
	default:
		return fmt.Sprintf("Your %s cost for %s was updated", n.UtilityType, n.BillingMonth)
	}
}

// Body is the HTML email body for n.
func Body(n storage.RateUpdateNotification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Your %s cost for %s was recalculated.</p>", n.UtilityType, n.BillingMonth)
	fmt.Fprintf(&b, "<p>Previous: %s (%s)<br>Now: %s (%s)",
		n.OldCost.StringFixed(2), sourceLabel(n.OldRateSource),
		n.NewCost.StringFixed(2), sourceLabel(n.NewRateSource))
	if !n.CostDelta.IsZero() {
		fmt.Fprintf(&b, "<br>Change: %s", signed(n.CostDelta.StringFixed(2)))
	}
	b.WriteString("</p>")
	return b.String()
}

func sourceLabel(s string) string {
	if s == "" {
		return "estimated"
	}
	return s
}

func signed(s string) string {
	if strings.HasPrefix(s, "-") {
		return s
	}
	return "+" + s
}
