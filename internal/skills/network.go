package skills

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxBodySize = 1 << 20 // 1MB cap on captured response bodies

// NetworkSkill performs outbound HTTP requests and TCP reachability checks.
// Destination allow-listing happens in the policy engine before invocation.
type NetworkSkill struct {
	client *http.Client
	dialer *net.Dialer
}

func NewNetworkSkill() *NetworkSkill {
	return &NetworkSkill{
		client: &http.Client{Timeout: 30 * time.Second},
		dialer: &net.Dialer{Timeout: 5 * time.Second},
	}
}

// WithClient overrides the HTTP client. Tests point it at a local server.
func (s *NetworkSkill) WithClient(c *http.Client) *NetworkSkill {
	return &NetworkSkill{client: c, dialer: s.dialer}
}

func (s *NetworkSkill) Name() string { return "network" }

func (s *NetworkSkill) Commands() []string {
	return []string{"http_get", "http_post", "ping"}
}

func (s *NetworkSkill) RequiredParams(command string) []string {
	if command == "ping" {
		return []string{"host"}
	}
	return []string{"url"}
}

func (s *NetworkSkill) Invoke(ctx context.Context, command string, params map[string]any) (*Result, error) {
	switch command {
	case "http_get":
		return s.request(ctx, http.MethodGet, params)
	case "http_post":
		return s.request(ctx, http.MethodPost, params)
	case "ping":
		return s.ping(ctx, params)
	}
	return fail(fmt.Sprintf("unknown network command %q", command)), nil
}

func (s *NetworkSkill) request(ctx context.Context, method string, params map[string]any) (*Result, error) {
	rawURL, _ := params["url"].(string)
	if rawURL == "" {
		return fail("missing required parameter: url"), nil
	}

	var body io.Reader
	if payload, ok := params["body"].(string); ok && payload != "" {
		body = strings.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fail(fmt.Sprintf("build request: %v", err)), nil
	}
	if ct, ok := params["content_type"].(string); ok && ct != "" {
		req.Header.Set("Content-Type", ct)
	} else if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Transport errors are returned as errors so the executor can
		// classify them as transient (retryable).
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", rawURL, err)
	}

	result := &Result{
		Success: resp.StatusCode < 400,
		Message: fmt.Sprintf("%s %s: %s", method, rawURL, resp.Status),
		Data: map[string]any{
			"status_code": resp.StatusCode,
			"body":        string(data),
		},
	}
	return result, nil
}

func (s *NetworkSkill) ping(ctx context.Context, params map[string]any) (*Result, error) {
	host, _ := params["host"].(string)
	if host == "" {
		return fail("missing required parameter: host"), nil
	}
	port, _ := params["port"].(string)
	if port == "" {
		port = "443"
	}

	start := time.Now()
	conn, err := s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("dial %s:%s: %w", host, port, err)
	}
	_ = conn.Close()

	return ok(fmt.Sprintf("%s:%s reachable", host, port), map[string]any{
		"host":       host,
		"port":       port,
		"latency_ms": time.Since(start).Milliseconds(),
	}), nil
}
