package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type APIClient struct {
	server string
	http   *http.Client
}

// Action mirrors the queue record wire format.
type Action struct {
	ID          string         `json:"Id"`
	Skill       string         `json:"Skill"`
	Command     string         `json:"Command"`
	Parameters  map[string]any `json:"Parameters"`
	RequestedBy string         `json:"RequestedBy"`
	SubmittedAt time.Time      `json:"Timestamp"`
	Mode        string         `json:"Mode"`
	Status      string         `json:"Status"`
	Reason      string         `json:"Reason,omitempty"`
	Result      map[string]any `json:"Result,omitempty"`
}

type SubmitResult struct {
	Success  bool   `json:"success"`
	ActionID string `json:"action_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

type QueueStatus struct {
	InboxCount           int      `json:"inbox_count"`
	OutboxCount          int      `json:"outbox_count"`
	PendingApprovalCount int      `json:"pending_approval_count"`
	Inbox                []Action `json:"inbox"`
	Outbox               []Action `json:"outbox"`
}

type HistoryResponse struct {
	Actions []Action `json:"actions"`
	Count   int      `json:"count"`
}

type AuditEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	ActionID  string    `json:"action_id,omitempty"`
	Skill     string    `json:"skill,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Summary   string    `json:"summary"`
}

type AuditResponse struct {
	Events []AuditEvent `json:"events"`
	Count  int          `json:"count"`
}

type Webhook struct {
	ID      string   `json:"id"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Enabled bool     `json:"enabled"`
}

type APIError struct {
	Error string `json:"error"`
}

func NewAPIClient(server string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = defaultServer
	}

	return &APIClient{
		server: server,
		http: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

func (c *APIClient) Submit(ctx context.Context, skill, command string, params map[string]any, mode string) (*SubmitResult, error) {
	payload := map[string]any{
		"skill":      skill,
		"command":    command,
		"parameters": params,
		"mode":       mode,
	}
	var out SubmitResult
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/actions", payload, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Action(ctx context.Context, id string) (*Action, error) {
	var out Action
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/actions/"+id, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Approve(ctx context.Context, id, reason string) (*Action, error) {
	var out Action
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/actions/"+id+"/approve", map[string]string{"reason": reason}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Deny(ctx context.Context, id, reason string) (*Action, error) {
	var out Action
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/actions/"+id+"/deny", map[string]string{"reason": reason}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Process(ctx context.Context, id string) (*Action, error) {
	var out Action
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/actions/"+id+"/process", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) ProcessAll(ctx context.Context) (int, error) {
	var out struct {
		Processed int `json:"processed"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/queue/process", nil, &out)
	if err != nil {
		return 0, err
	}
	return out.Processed, nil
}

func (c *APIClient) Queue(ctx context.Context) (*QueueStatus, error) {
	var out QueueStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/queue", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) History(ctx context.Context, from, to string) (*HistoryResponse, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	path := "/api/v1/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out HistoryResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Audit(ctx context.Context, actionID string, limit int) (*AuditResponse, error) {
	q := url.Values{}
	if actionID != "" {
		q.Set("action_id", actionID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := "/api/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out AuditResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Webhooks(ctx context.Context) ([]Webhook, error) {
	var out []Webhook
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/webhooks", nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) AddWebhook(ctx context.Context, targetURL string, events []string, secret string) (*Webhook, error) {
	payload := map[string]any{
		"url":     targetURL,
		"events":  events,
		"secret":  secret,
		"enabled": true,
	}
	var out Webhook
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/webhooks", payload, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) RemoveWebhook(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/webhooks/"+id, nil, nil)
}

func (c *APIClient) MetricsText(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/metrics", nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if json.Unmarshal(resBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		// Submission failures carry the reason inside the result payload.
		var res SubmitResult
		if json.Unmarshal(resBody, &res) == nil && res.Error != "" {
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, res.Error)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
