package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Notifier posts run outcomes to a webhook. Disabled when no URL is
// configured; every method is then a no-op.
type Notifier struct {
	url    string
	client *http.Client
}

// NewNotifier creates a webhook notifier from configuration.
func NewNotifier(cfg domain.NotifierConfig) *Notifier {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// Notify posts a text message to the webhook.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	if n.url == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// CompletionText formats the message for a completed run.
func CompletionText(ev domain.CompletedEvent) string {
	return fmt.Sprintf(
		"backtest complete: experiment %s (tenant %s) delta_written=%.2f lr_base=%.4f lr_candidate=%.4f affected_units=%d",
		ev.ExperimentID, ev.TenantID, ev.DeltaWritten, ev.LRBase, ev.LRCandidate, ev.AffectedUnits,
	)
}

// FailureText formats the message for a failed run.
func FailureText(ev domain.FailedEvent) string {
	return fmt.Sprintf(
		"backtest failed: experiment %s (tenant %s): %s",
		ev.ExperimentID, ev.TenantID, ev.Error,
	)
}
