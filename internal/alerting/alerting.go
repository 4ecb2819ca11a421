// Package alerting delivers webhook notifications when scheduled ingestion
// runs keep failing.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config holds alert delivery settings.
type Config struct {
	// WebhookURL is the endpoint alerts are posted to. Empty disables
	// alerting entirely.
	WebhookURL string
	// WebhookType selects the payload format: "slack", "discord" or
	// "generic". Empty autodetects from the URL.
	WebhookType string
	// MinFailures is the consecutive-failure streak required before an
	// alert goes out.
	MinFailures int
	// Timeout bounds each webhook request.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WebhookType == "" {
		switch {
		case strings.Contains(c.WebhookURL, "slack.com"):
			c.WebhookType = "slack"
		case strings.Contains(c.WebhookURL, "discord.com"):
			c.WebhookType = "discord"
		default:
			c.WebhookType = "generic"
		}
	}
	if c.MinFailures <= 0 {
		c.MinFailures = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Alerter posts run alerts to the configured webhook.
type Alerter struct {
	cfg    Config
	log    *slog.Logger
	client *http.Client
}

// New creates an alerter. A nil-safe no-op alerter comes from an empty
// WebhookURL; callers never need to branch.
func New(cfg Config, log *slog.Logger) *Alerter {
	cfg = cfg.withDefaults()
	return &Alerter{
		cfg:    cfg,
		log:    log.With("component", "alerting"),
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Enabled reports whether a webhook is configured.
func (a *Alerter) Enabled() bool { return a.cfg.WebhookURL != "" }

// RunAlert describes a scheduled ingestion run that failed.
type RunAlert struct {
	Job                 string        `json:"job"`
	RunID               string        `json:"run_id"`
	Error               string        `json:"error"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Duration            time.Duration `json:"-"`
	Timestamp           time.Time     `json:"timestamp"`
}

// SendRunAlert posts the alert once the failure streak has reached the
// configured threshold. Below the threshold it is a logged no-op.
func (a *Alerter) SendRunAlert(ctx context.Context, alert RunAlert) error {
	if !a.Enabled() {
		return nil
	}
	if alert.ConsecutiveFailures < a.cfg.MinFailures {
		a.log.Debug("failure streak below alert threshold",
			"job", alert.Job,
			"failures", alert.ConsecutiveFailures,
			"threshold", a.cfg.MinFailures)
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

	a.log.Info("alert delivered", "job", alert.Job, "failures", alert.ConsecutiveFailures)
	return nil
}

func (a *Alerter) buildSlackPayload(alert RunAlert) ([]byte, error) {
	payload := map[string]interface{}{
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]string{
					"type": "plain_text",
					"text": fmt.Sprintf(":warning: Ingestion failing: %s", alert.Job),
				},
			},
			{
				"type": "section",
				"fields": []map[string]string{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Consecutive failures:*\n%d", alert.ConsecutiveFailures)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Run:*\n%s", alert.RunID)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Duration:*\n%s", alert.Duration.Round(time.Millisecond))},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Timestamp:*\n%s", alert.Timestamp.Format(time.RFC3339))},
				},
			},
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Error:*\n```%s```", alert.Error),
				},
			},
		},
	}
	return json.Marshal(payload)
}

func (a *Alerter) buildDiscordPayload(alert RunAlert) ([]byte, error) {
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       fmt.Sprintf("Ingestion failing: %s", alert.Job),
				"description": fmt.Sprintf("%d consecutive failed runs", alert.ConsecutiveFailures),
				"color":       16711680,
				"fields": []map[string]interface{}{
					{"name": "Run", "value": alert.RunID, "inline": true},
					{"name": "Duration", "value": alert.Duration.Round(time.Millisecond).String(), "inline": true},
					{"name": "Error", "value": alert.Error, "inline": false},
				},
				"timestamp": alert.Timestamp.Format(time.RFC3339),
			},
		},
	}
	return json.Marshal(payload)
}

func (a *Alerter) buildGenericPayload(alert RunAlert) ([]byte, error) {
	payload := map[string]interface{}{
		"alert_type":           "ingestion_failure",
		"job":                  alert.Job,
		"run_id":               alert.RunID,
		"error":                alert.Error,
		"consecutive_failures": alert.ConsecutiveFailures,
		"duration_ms":          alert.Duration.Milliseconds(),
		"timestamp":            alert.Timestamp.Format(time.RFC3339),
	}
	return json.Marshal(payload)
}
