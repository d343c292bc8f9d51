package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"flowguard/internal/model"

	"github.com/sirupsen/logrus"
)

// WebhookNotifier POSTs alerts as JSON to an operator-supplied endpoint.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
	logger  *logrus.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration, enabled bool, logger *logrus.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		enabled: enabled && url != "",
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (wn *WebhookNotifier) SendAlert(alert model.Alert) error {
	if !wn.enabled {
		wn.logger.Debug("Webhook notifier is disabled, skipping alert")
		return nil
	}

	maxRetries := 3
	var err error
	for i := 0; i < maxRetries; i++ {
		err = wn.post(alert)
		if err == nil {
			return nil
		}

		wn.logger.Warnf("Failed to send alert (attempt %d/%d): %v", i+1, maxRetries, err)

		if i < maxRetries-1 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}

	return fmt.Errorf("failed to send alert after %d attempts: %v", maxRetries, err)
}

func (wn *WebhookNotifier) post(alert model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %v", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), "POST", wn.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := wn.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (wn *WebhookNotifier) IsEnabled() bool {
	return wn.enabled
}
