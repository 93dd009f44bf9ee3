package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"backupd/internal/logging"
)

// Event names dispatched by the pipelines.
const (
	EventBackupCompleted  = "backup.completed"
	EventBackupFailed     = "backup.failed"
	EventRestoreCompleted = "restore.completed"
	EventRestoreFailed    = "restore.failed"
)

// Notifier dispatches pipeline events fire-and-forget: delivery is
// never awaited and failures never affect the run outcome.
type Notifier interface {
	Notify(event string, payload map[string]interface{})
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Notify(string, map[string]interface{}) {}

// LogNotifier records events through the process logger.
type LogNotifier struct {
	logger *logging.Logger
}

func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(event string, payload map[string]interface{}) {
	n.logger.WithFields(payload).Infof("event: %s", event)
}

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// WebhookNotifier POSTs each event as a JSON document. Dispatch runs
// in its own goroutine; errors are logged and dropped.
type WebhookNotifier struct {
	config WebhookConfig
	client *http.Client
	logger *logging.Logger
}

func NewWebhookNotifier(logger *logging.Logger, cfg WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (n *WebhookNotifier) Notify(event string, payload map[string]interface{}) {
	go func() {
		if err := n.send(event, payload); err != nil {
			n.logger.Warnf("webhook notification failed: %v", err)
		}
	}()
}

func (n *WebhookNotifier) send(event string, payload map[string]interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().UTC(),
		"payload":   payload,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}

// MultiNotifier fans one event out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(event string, payload map[string]interface{}) {
	for _, n := range m {
		n.Notify(event, payload)
	}
}
