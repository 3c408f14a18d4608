package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AlertConfig holds alerting configuration.
type AlertConfig struct {
	// WebhookURL is a generic webhook endpoint (Slack, Discord, or custom)
	WebhookURL string
	// WebhookType determines the payload format: "slack", "discord", or "generic"
	WebhookType string
	// Enabled controls whether alerts are sent
	Enabled bool
	// MinFailuresBeforeAlert is the number of failed months needed to alert
	MinFailuresBeforeAlert int
	// Timeout for HTTP requests
	Timeout time.Duration
}

// DefaultAlertConfig returns config from environment variables.
func DefaultAlertConfig() AlertConfig {
	cfg := AlertConfig{
		WebhookURL:             os.Getenv("ALERT_WEBHOOK_URL"),
		WebhookType:            os.Getenv("ALERT_WEBHOOK_TYPE"),
		MinFailuresBeforeAlert: 1,
		Timeout:                10 * time.Second,
	}

	cfg.Enabled = cfg.WebhookURL != ""

	if cfg.WebhookType == "" {
		// Auto-detect from URL
		if strings.Contains(cfg.WebhookURL, "slack.com") {
			cfg.WebhookType = "slack"
		} else if strings.Contains(cfg.WebhookURL, "discord.com") {
			cfg.WebhookType = "discord"
		} else {
			cfg.WebhookType = "generic"
		}
	}

	if v := os.Getenv("ALERT_MIN_FAILURES"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.MinFailuresBeforeAlert = n
		}
	}

	return cfg
}

// Alerter sends alerts to configured webhooks.
type Alerter struct {
	cfg    AlertConfig
	client *http.Client
	logger *zap.Logger
}

// NewAlerter creates a new alerter instance.
func NewAlerter(cfg AlertConfig, logger *zap.Logger) *Alerter {
	return &Alerter{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.Named("alerting"),
	}
}

// RecalculationAlert summarizes a recalculation run in which at least one
// billing month failed.
type RecalculationAlert struct {
	Trigger      string
	UtilityType  string
	EventID      string
	TotalMonths  int
	FailedMonths []MonthFailure
	Duration     time.Duration
	Timestamp    time.Time
}

// MonthFailure names one failed billing month.
type MonthFailure struct {
	BillingMonth string `json:"billing_month"`
	Error        string `json:"error"`
}

// SendRecalculationAlert posts alert to the webhook when enough months failed.
func (a *Alerter) SendRecalculationAlert(ctx context.Context, alert RecalculationAlert) error {
	if !a.cfg.Enabled {
		a.logger.Debug("alerts disabled, skipping")
		return nil
	}

	failed := len(alert.FailedMonths)
	if failed < a.cfg.MinFailuresBeforeAlert {
		a.logger.Info("failures below alert threshold, skipping",
			zap.Int("failed", failed),
			zap.Int("threshold", a.cfg.MinFailuresBeforeAlert),
		)
		return nil
	}

	var payload []byte
	var err error

	switch a.cfg.WebhookType {
	case "slack":
		payload, err = a.buildSlackPayload(alert)
	case "discord":
		payload, err = a.buildDiscordPayload(alert)
	default:
		payload, err = a.buildGenericPayload(alert)
	}

	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	a.logger.Info("sent recalculation alert",
		zap.String("utility_type", alert.UtilityType),
		zap.Int("failed_months", failed),
	)
	return nil
}

func (a *Alerter) title(alert RecalculationAlert) string {
	return fmt.Sprintf("Recalculation Alert: %s (%s)", alert.UtilityType, alert.Trigger)
}

func (a *Alerter) buildSlackPayload(alert RecalculationAlert) ([]byte, error) {
	var failedList strings.Builder
	for _, f := range alert.FailedMonths {
		failedList.WriteString(fmt.Sprintf("• *%s*: %s\n", f.BillingMonth, f.Error))
	}

	emoji := ":warning:"
	if len(alert.FailedMonths) == alert.TotalMonths {
		emoji = ":x:"
	}

	payload := map[string]interface{}{
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]string{
					"type": "plain_text",
					"text": fmt.Sprintf("%s %s", emoji, a.title(alert)),
				},
			},
			{
				"type": "section",
				"fields": []map[string]string{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Status:*\n%d/%d months failed", len(alert.FailedMonths), alert.TotalMonths)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Duration:*\n%s", alert.Duration.Round(time.Millisecond))},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Event:*\n%s", alert.EventID)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Timestamp:*\n%s", alert.Timestamp.Format(time.RFC3339))},
				},
			},
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Failed Months:*\n%s", failedList.String()),
				},
			},
		},
	}

	return json.Marshal(payload)
}

func (a *Alerter) buildDiscordPayload(alert RecalculationAlert) ([]byte, error) {
	var failedList strings.Builder
	for _, f := range alert.FailedMonths {
		failedList.WriteString(fmt.Sprintf("• **%s**: %s\n", f.BillingMonth, f.Error))
	}

	color := 16776960 // Yellow
	if len(alert.FailedMonths) == alert.TotalMonths {
		color = 16711680 // Red
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       a.title(alert),
				"description": fmt.Sprintf("%d/%d months failed", len(alert.FailedMonths), alert.TotalMonths),
				"color":       color,
				"fields": []map[string]interface{}{
					{"name": "Event", "value": alert.EventID, "inline": true},
					{"name": "Duration", "value": alert.Duration.Round(time.Millisecond).String(), "inline": true},
					{"name": "Failed Months", "value": failedList.String(), "inline": false},
				},
				"timestamp": alert.Timestamp.Format(time.RFC3339),
			},
		},
	}

	return json.Marshal(payload)
}

func (a *Alerter) buildGenericPayload(alert RecalculationAlert) ([]byte, error) {
	payload := map[string]interface{}{
		"alert_type":    "recalculation_failure",
		"trigger":       alert.Trigger,
		"utility_type":  alert.UtilityType,
		"event_id":      alert.EventID,
		"total_months":  alert.TotalMonths,
		"failed_count":  len(alert.FailedMonths),
		"duration_ms":   alert.Duration.Milliseconds(),
		"timestamp":     alert.Timestamp.Format(time.RFC3339),
		"failed_months": alert.FailedMonths,
	}

	return json.Marshal(payload)
}
