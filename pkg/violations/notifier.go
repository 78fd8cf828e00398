package violations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// ErrNotifyThrottled is returned when the outbound rate limit rejects a
// notification. The escalation record is unaffected; the caller only logs it.
var ErrNotifyThrottled = errors.New("violations: notification throttled")

// WebhookNotifier posts escalation notices to an HTTP endpoint. Outbound
// traffic is rate limited so a violation storm cannot flood the channel.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookNotifier creates a notifier posting to url, allowing at most
// ratePerSec notifications per second with the given burst.
func NewWebhookNotifier(url string, ratePerSec float64, burst int) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// WithClient overrides the HTTP client, mainly for tests.
func (n *WebhookNotifier) WithClient(c *http.Client) *WebhookNotifier {
	n.client = c
	return n
}

type escalationNotice struct {
	EscalationID string             `json:"escalation_id"`
	ViolationID  string             `json:"violation_id"`
	Type         string             `json:"type"`
	Severity     contracts.Severity `json:"severity"`
	Message      string             `json:"message"`
	AgentID      string             `json:"agent_id,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, v contracts.Violation, e contracts.Escalation) error {
	if !n.limiter.Allow() {
		return ErrNotifyThrottled
	}

	body, err := json.Marshal(escalationNotice{
		EscalationID: e.EscalationID,
		ViolationID:  v.ViolationID,
		Type:         v.Type,
		Severity:     v.Severity,
		Message:      v.Message,
		AgentID:      v.AgentID,
		Timestamp:    v.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
