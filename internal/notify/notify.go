// Package notify implements the out-of-core side effects spec §4.1
// mentions in passing: an optional Slack-style webhook fired when a
// brand-new device row is inserted during registration. No ledger log line
// is written. The webhook is not on the critical path — registration
// succeeds or fails independent of whether the notifier's webhook call
// succeeds.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier is told about fleet events worth surfacing outside the API.
type Notifier interface {
	DeviceRegistered(ctx context.Context, serialNumber string)
}

// NoopNotifier logs nothing beyond what the caller already logs. Used when
// no webhook URL is configured.
type NoopNotifier struct{}

func (NoopNotifier) DeviceRegistered(context.Context, string) {}

// SlackNotifier posts a simple message to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	log        logrus.FieldLogger
}

func NewSlackNotifier(webhookURL string, log logrus.FieldLogger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
		log:        log,
	}
}

func (s *SlackNotifier) DeviceRegistered(ctx context.Context, serialNumber string) {
	payload, _ := json.Marshal(map[string]string{
		"text": "new device registered: " + serialNumber,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		s.log.WithError(err).Warn("notify: building slack request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.WithError(err).Warn("notify: slack webhook failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warnf("notify: slack webhook returned %s", resp.Status)
	}
}
