// Package notify delivers job-settlement webhooks to a configured endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vidatlas/internal/config"
	"vidatlas/internal/job"
)

const userAgent = "vidatlas"

// Notifier receives settlement callbacks from the dispatcher. Failures are
// logged by the caller, never retried, and never affect the job outcome.
type Notifier interface {
	JobSettled(ctx context.Context, j *job.Job) error
}

// NewNotifier builds a webhook notifier when a webhook URL is configured.
// Without one, a noop implementation is returned.
func NewNotifier(cfg *config.Config) Notifier {
	url := strings.TrimSpace(cfg.Notify.WebhookURL)
	if url == "" {
		return noopNotifier{}
	}

	timeout := time.Duration(cfg.Notify.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &webhookNotifier{
		endpoint: url,
		client:   &http.Client{Timeout: timeout},
	}
}

type noopNotifier struct{}

func (noopNotifier) JobSettled(context.Context, *job.Job) error { return nil }

// settledPayload is the JSON body posted for each settled job.
type settledPayload struct {
	Event      string     `json:"event"`
	JobID      string     `json:"job_id"`
	SubjectID  string     `json:"subject_id"`
	Status     job.Status `json:"status"`
	Progress   float64    `json:"progress"`
	Error      *job.Error `json:"error,omitempty"`
	Unresolved []string   `json:"unresolved,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type webhookNotifier struct {
	endpoint string
	client   *http.Client
}

func (n *webhookNotifier) JobSettled(ctx context.Context, j *job.Job) error {
	if n == nil || n.client == nil || j == nil {
		return nil
	}

	body, err := json.Marshal(settledPayload{
		Event:      "job_settled",
		JobID:      j.ID,
		SubjectID:  j.SubjectID,
		Status:     j.Status,
		Progress:   j.Progress,
		Error:      j.Error,
		Unresolved: j.Unresolved,
		FinishedAt: j.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
