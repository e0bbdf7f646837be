// Package notify dispatches action lifecycle events to registered
// webhook endpoints.
package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nova-ops/nova/internal/action"
	"github.com/nova-ops/nova/internal/metrics"
)

// WebhookConfig holds a registered webhook endpoint.
type WebhookConfig struct {
	ID      string   `json:"id"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Secret  string   `json:"secret,omitempty"`
	Enabled bool     `json:"enabled"`
}

// Payload is the JSON body sent to webhook endpoints.
type Payload struct {
	ID        string    `json:"id"` // delivery id, unique per attempt batch
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	ActionID  string    `json:"action_id,omitempty"`
	Skill     string    `json:"skill,omitempty"`
	Status    string    `json:"status,omitempty"`
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
}

// DeliveryRecord is one completed delivery attempt, kept for inspection.
type DeliveryRecord struct {
	ID         string    `json:"id"`
	WebhookID  string    `json:"webhook_id"`
	EventType  string    `json:"event_type"`
	TargetURL  string    `json:"target_url"` // path and query masked
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

const deliveryHistoryLimit = 200

// Notifier manages webhook registrations and dispatch.
type Notifier struct {
	mu         sync.RWMutex
	items      map[string]WebhookConfig
	deliveries []DeliveryRecord
	httpClient *http.Client
	metrics    *metrics.Registry // optional
}

// NewNotifier creates a new notifier with sane defaults.
func NewNotifier() *Notifier {
	return &Notifier{
		items:      make(map[string]WebhookConfig),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// SetMetrics attaches a registry for delivery instrumentation.
func (n *Notifier) SetMetrics(reg *metrics.Registry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.metrics = reg
}

// Register adds or updates a webhook configuration.
func (n *Notifier) Register(cfg WebhookConfig) WebhookConfig {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.items == nil {
		n.items = make(map[string]WebhookConfig)
	}
	n.items[cfg.ID] = cfg
	return cfg
}

// Remove deletes a webhook configuration.
func (n *Notifier) Remove(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.items, id)
}

// List returns all registered webhook configurations.
func (n *Notifier) List() []WebhookConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]WebhookConfig, 0, len(n.items))
	for _, cfg := range n.items {
		out = append(out, cfg)
	}
	return out
}

// Get returns one webhook configuration.
func (n *Notifier) Get(id string) (WebhookConfig, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	cfg, ok := n.items[id]
	return cfg, ok
}

// Publish sends an action lifecycle event to all matching webhooks.
func (n *Notifier) Publish(event string, act *action.Action) {
	var detail any
	if act.Result != nil {
		detail = act.Result
	}
	summary := fmt.Sprintf("%s.%s %s", act.Skill, act.Command, act.Status)
	n.Notify(event, act.ID, act.Skill, string(act.Status), summary, detail)
}

// Notify sends payloads to all enabled webhooks matching the event.
// Dispatch is asynchronous; failures are retried once and recorded in
// the delivery history.
func (n *Notifier) Notify(event, actionID, skill, status, summary string, detail any) {
	n.mu.RLock()
	webhooks := make([]WebhookConfig, 0, len(n.items))
	for _, cfg := range n.items {
		if !cfg.Enabled {
			continue
		}
		if !containsEvent(cfg.Events, event) {
			continue
		}
		webhooks = append(webhooks, cfg)
	}
	n.mu.RUnlock()

	if len(webhooks) == 0 {
		return
	}

	timestamp := time.Now()
	for _, cfg := range webhooks {
		payload := Payload{
			ID:        uuid.NewString(),
			Event:     event,
			Timestamp: timestamp,
			ActionID:  actionID,
			Skill:     skill,
			Status:    status,
			Summary:   summary,
			Detail:    detail,
		}
		webhook := cfg
		go n.deliver(webhook, payload)
	}
}

// Deliveries returns the most recent delivery records, newest first.
func (n *Notifier) Deliveries(limit int) []DeliveryRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()

	count := len(n.deliveries)
	if limit > 0 && limit < count {
		count = limit
	}
	out := make([]DeliveryRecord, 0, count)
	for i := len(n.deliveries) - 1; i >= 0 && len(out) < count; i-- {
		out = append(out, n.deliveries[i])
	}
	return out
}

// deliver posts a payload to one webhook endpoint and records the outcome.
func (n *Notifier) deliver(cfg WebhookConfig, payload Payload) {
	start := time.Now()
	lastStatus, lastErr := n.post(cfg, payload)
	duration := time.Since(start)

	rec := DeliveryRecord{
		ID:         payload.ID,
		WebhookID:  cfg.ID,
		EventType:  payload.Event,
		TargetURL:  maskURL(cfg.URL),
		StatusCode: lastStatus,
		DurationMS: duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if lastErr != nil {
		rec.Error = lastErr.Error()
	}

	n.mu.Lock()
	n.deliveries = append(n.deliveries, rec)
	if len(n.deliveries) > deliveryHistoryLimit {
		n.deliveries = n.deliveries[len(n.deliveries)-deliveryHistoryLimit:]
	}
	reg := n.metrics
	n.mu.Unlock()

	if reg != nil {
		outcome := "success"
		if lastErr != nil {
			outcome = "failure"
		}
		reg.Inc("webhooks_sent", map[string]string{"event": payload.Event, "status": outcome})
		reg.ObserveHistogram("webhook_duration_ms", float64(duration.Milliseconds()), map[string]string{"event": payload.Event})
	}
}

// post sends one payload, retrying once on failure. Returns the last
// HTTP status seen and a nil error only on a 2xx response.
func (n *Notifier) post(cfg WebhookConfig, payload Payload) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal webhook payload: %w", err)
	}

	httpClient := n.client()

	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= 2; attempt++ {
		req, err := http.NewRequest(http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return 0, fmt.Errorf("webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if cfg.Secret != "" {
			req.Header.Set("X-Nova-Signature", signature(cfg.Secret, body))
		}

		resp, err := httpClient.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			lastStatus = resp.StatusCode
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return lastStatus, nil
			}
			lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
	}

	return lastStatus, lastErr
}

func (n *Notifier) client() *http.Client {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.httpClient != nil {
		return n.httpClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

// containsEvent reports whether a webhook subscription covers target.
// "*" subscribes to every event.
func containsEvent(events []string, target string) bool {
	for _, e := range events {
		if e == "*" || e == target {
			return true
		}
	}
	return false
}

func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// maskURL keeps the scheme and host but hides path and query, which may
// embed tokens.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Scheme + "://" + u.Host + "/***"
}
