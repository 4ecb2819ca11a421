package alerting

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleAlert(failures int) RunAlert {
	return RunAlert{
		Job:                 "watch_ingest",
		RunID:               "run-1234",
		Error:               "fetch SBI: connection refused",
		ConsecutiveFailures: failures,
		Duration:            1500 * time.Millisecond,
		Timestamp:           time.Date(2024, 6, 1, 19, 0, 0, 0, time.UTC),
	}
}

func TestSendRunAlert_BelowThresholdSkips(t *testing.T) {
	var posts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
	}))
	defer ts.Close()

	a := New(Config{WebhookURL: ts.URL, MinFailures: 3}, testLogger())
	if err := a.SendRunAlert(context.Background(), sampleAlert(2)); err != nil {
		t.Fatalf("SendRunAlert: %v", err)
	}
	if posts != 0 {
		t.Errorf("expected no webhook call below threshold, got %d", posts)
	}
}

func TestSendRunAlert_GenericPayload(t *testing.T) {
	var body map[string]interface{}
	var contentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))
	defer ts.Close()

	a := New(Config{WebhookURL: ts.URL, WebhookType: "generic", MinFailures: 1}, testLogger())
	if err := a.SendRunAlert(context.Background(), sampleAlert(1)); err != nil {
		t.Fatalf("SendRunAlert: %v", err)
	}

	if contentType != "application/json" {
		t.Errorf("content type = %s", contentType)
	}
	if body["alert_type"] != "ingestion_failure" {
		t.Errorf("alert_type = %v", body["alert_type"])
	}
	if body["job"] != "watch_ingest" {
		t.Errorf("job = %v", body["job"])
	}
	if body["consecutive_failures"] != float64(1) {
		t.Errorf("consecutive_failures = %v", body["consecutive_failures"])
	}
	if body["duration_ms"] != float64(1500) {
		t.Errorf("duration_ms = %v", body["duration_ms"])
	}
}

func TestSendRunAlert_SlackAndDiscordShapes(t *testing.T) {
	var raw []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ = io.ReadAll(r.Body)
	}))
	defer ts.Close()

	slackAlerter := New(Config{WebhookURL: ts.URL, WebhookType: "slack"}, testLogger())
	if err := slackAlerter.SendRunAlert(context.Background(), sampleAlert(1)); err != nil {
		t.Fatalf("slack alert: %v", err)
	}
	if !strings.Contains(string(raw), `"blocks"`) {
		t.Errorf("slack payload missing blocks: %s", raw)
	}

	discordAlerter := New(Config{WebhookURL: ts.URL, WebhookType: "discord"}, testLogger())
	if err := discordAlerter.SendRunAlert(context.Background(), sampleAlert(1)); err != nil {
		t.Fatalf("discord alert: %v", err)
	}
	if !strings.Contains(string(raw), `"embeds"`) {
		t.Errorf("discord payload missing embeds: %s", raw)
	}
}

func TestSendRunAlert_WebhookFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer ts.Close()

	a := New(Config{WebhookURL: ts.URL}, testLogger())
	if err := a.SendRunAlert(context.Background(), sampleAlert(1)); err == nil {
		t.Fatal("expected an error for a 4xx response")
	}
}

func TestDisabledAlerterIsNoOp(t *testing.T) {
	a := New(Config{}, testLogger())
	if a.Enabled() {
		t.Error("alerter without a URL should be disabled")
	}
	if err := a.SendRunAlert(context.Background(), sampleAlert(10)); err != nil {
		t.Errorf("disabled alerter should never fail, got %v", err)
	}
}

func TestConfigAutodetectsWebhookType(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://hooks.slack.com/services/T0/B0/XX", "slack"},
		{"https://discord.com/api/webhooks/1/abc", "discord"},
		{"https://alerts.internal/hook", "generic"},
	}
	for _, tc := range cases {
		got := Config{WebhookURL: tc.url}.withDefaults()
		if got.WebhookType != tc.want {
			t.Errorf("autodetect(%s) = %s, want %s", tc.url, got.WebhookType, tc.want)
		}
	}
}
