package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/opm-sh/opm/internal/config"
)

// Manager fans events out to the configured sinks. Dispatch is asynchronous:
// a slow webhook must never stall a lifecycle operation or a supervisor tick.
type Manager struct {
	cfg    config.Notifications
	bus    *Bus
	logger *log.Logger
	client *http.Client
}

// NewManager wires a manager to the notification config. A nil logger
// discards nothing useful, so callers are expected to pass the daemon log.
func NewManager(cfg config.Notifications, logger *log.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		bus:    NewBus(),
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	return m
}

// Bus exposes the underlying bus for in-process subscribers.
func (m *Manager) Bus() *Bus { return m.bus }

// Dispatch publishes the event and delivers it to external sinks in the
// background.
func (m *Manager) Dispatch(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	m.bus.Publish(event)

	if m.logger != nil {
		m.logger.Printf("[notify] %s: %s — %s", event.Type, event.Title, event.Message)
	}

	if m.cfg.Enabled && m.cfg.WebhookURL != "" {
		go func() {
			if err := m.postWebhook(event); err != nil && m.logger != nil {
				m.logger.Printf("[notify] webhook delivery failed: %v", err)
			}
		}()
	}
}

// Test sends a synthetic event through every sink, synchronously, so the
// caller can report delivery errors.
func (m *Manager) Test(title, message string) error {
	event := Event{Type: EventTest, Title: title, Message: message, Timestamp: time.Now()}
	m.bus.Publish(event)
	if m.cfg.Enabled && m.cfg.WebhookURL != "" {
		return m.postWebhook(event)
	}
	return nil
}

func (m *Manager) postWebhook(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	resp, err := m.client.Post(m.cfg.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
