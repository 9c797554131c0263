package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finforge/statement-engine/internal/config"
	"github.com/finforge/statement-engine/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailed      AlertType = "job_failed"
	AlertJobNeedsReview AlertType = "job_needs_review"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// WebhookAlerter posts job alerts to a configured webhook URL. It
// satisfies the engine's Alerter interface; delivery failures are
// logged, never propagated into the pipeline.
type WebhookAlerter struct {
	cfg    config.AlertConfig
	client *http.Client
}

// NewWebhookAlerter creates a WebhookAlerter with the given config.
func NewWebhookAlerter(cfg config.AlertConfig) *WebhookAlerter {
	return &WebhookAlerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// JobFailed reports a job that ended in the failed state.
func (a *WebhookAlerter) JobFailed(ctx context.Context, job *model.ReportJob, reason string) {
	a.send(ctx, Alert{
		Type:     AlertJobFailed,
		Severity: "high",
		Message:  fmt.Sprintf("Report job %s for user %s failed: %s", job.ID, job.UserID, reason),
		Details: map[string]any{
			"job_id":   job.ID,
			"user_id":  job.UserID,
			"year":     job.Year,
			"file_ref": job.FileRef,
			"reason":   reason,
		},
		Timestamp: time.Now().UTC(),
	})
}

// JobNeedsReview reports a job whose audit did not pass cleanly.
func (a *WebhookAlerter) JobNeedsReview(ctx context.Context, job *model.ReportJob, report *model.AuditReport) {
	severity := "medium"
	if report.Status == model.ComplianceFail {
		severity = "high"
	}
	a.send(ctx, Alert{
		Type:     AlertJobNeedsReview,
		Severity: severity,
		Message: fmt.Sprintf("Report job %s for user %s needs review: audit verdict %s (score %.2f, %d failed / %d flagged checks)",
			job.ID, job.UserID, report.Status, report.Score, report.FailedChecks(), report.ReviewChecks()),
		Details: map[string]any{
			"job_id":    job.ID,
			"user_id":   job.UserID,
			"verdict":   string(report.Status),
			"score":     report.Score,
			"anomalies": report.Anomalies,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (a *WebhookAlerter) send(ctx context.Context, alert Alert) {
	if a.cfg.WebhookURL == "" {
		return
	}
	if err := a.sendWebhook(ctx, alert); err != nil {
		zap.L().Error("monitoring: failed to send alert",
			zap.String("type", string(alert.Type)),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("monitoring: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity),
	)
}

// sendWebhook posts a single alert to the webhook URL.
func (a *WebhookAlerter) sendWebhook(ctx context.Context, alert Alert) error {
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
