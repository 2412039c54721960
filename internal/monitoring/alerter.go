package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailedRuns     AlertType = "failed_runs"
	AlertWriteErrorRate AlertType = "write_error_rate"
	AlertOrganicShare   AlertType = "organic_share"
)

// minRecordsForRates keeps rate alerts quiet on tiny samples.
const minRecordsForRates = 20

// maxListedFailures caps the failures copied into alert details.
const maxListedFailures = 10

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached. An alert type
// that was sent is muted for the configured cooldown.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		lastSent: make(map[AlertType]time.Time),
	}
}

// WithNow sets a fixed clock for testing.
func (a *Alerter) WithNow(now func() time.Time) *Alerter {
	a.now = now
	return a
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	if snap.RunsFailed > a.cfg.MaxFailedRuns {
		failures := snap.Failures
		if len(failures) > maxListedFailures {
			failures = failures[:maxListedFailures]
		}
		alerts = append(alerts, Alert{
			Type:     AlertFailedRuns,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d run(s) failed in last %dh (allowed %d)",
				snap.RunsFailed, snap.LookbackHours, a.cfg.MaxFailedRuns,
			),
			Details: map[string]any{
				"failed":   snap.RunsFailed,
				"total":    snap.RunsTotal,
				"failures": failures,
			},
			Timestamp: now,
		})
	}

	attempts := snap.RecordsCreated + snap.WriteErrors
	if a.cfg.WriteErrorRateWarning > 0 && attempts >= minRecordsForRates && snap.WriteErrorRate > a.cfg.WriteErrorRateWarning {
		alerts = append(alerts, Alert{
			Type:     AlertWriteErrorRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Attribution write error rate %.1f%% exceeds threshold %.1f%% (%d failed / %d attempted in last %dh)",
				snap.WriteErrorRate*100, a.cfg.WriteErrorRateWarning*100,
				snap.WriteErrors, attempts, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate": snap.WriteErrorRate,
				"threshold":  a.cfg.WriteErrorRateWarning,
				"errors":     snap.WriteErrors,
				"attempted":  attempts,
			},
			Timestamp: now,
		})
	}

	if a.cfg.OrganicShareWarning > 0 && snap.RecordsCreated >= minRecordsForRates && snap.OrganicShare > a.cfg.OrganicShareWarning {
		alerts = append(alerts, Alert{
			Type:     AlertOrganicShare,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Organic share %.1f%% exceeds threshold %.1f%% (%d of %d records in last %dh)",
				snap.OrganicShare*100, a.cfg.OrganicShareWarning*100,
				snap.OrganicRecords, snap.RecordsCreated, snap.LookbackHours,
			),
			Details: map[string]any{
				"organic_share": snap.OrganicShare,
				"threshold":     a.cfg.OrganicShareWarning,
				"organic":       snap.OrganicRecords,
				"created":       snap.RecordsCreated,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if a.muted(alert.Type) {
			zap.L().Debug("monitoring: alert muted by cooldown", zap.String("type", string(alert.Type)))
			continue
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		a.markSent(alert.Type)
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) muted(t AlertType) bool {
	cooldown := time.Duration(a.cfg.AlertCooldownMins) * time.Minute
	if cooldown <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSent[t]
	return ok && a.now().Sub(last) < cooldown
}

func (a *Alerter) markSent(t AlertType) {
	a.mu.Lock()
	a.lastSent[t] = a.now()
	a.mu.Unlock()
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
