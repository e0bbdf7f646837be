package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nova-ops/nova/internal/action"
)

func TestNotifier_RegisterRemoveList(t *testing.T) {
	n := NewNotifier()

	n.Register(WebhookConfig{ID: "a", URL: "https://example.com/a", Events: []string{"action.denied"}, Enabled: true})
	n.Register(WebhookConfig{ID: "b", URL: "https://example.com/b", Events: []string{"action.completed"}, Enabled: true})

	if got := len(n.List()); got != 2 {
		t.Fatalf("len(list) = %d, want 2", got)
	}

	n.Remove("a")
	if got := len(n.List()); got != 1 {
		t.Fatalf("len(list) after remove = %d, want 1", got)
	}
}

func TestNotifier_NotifyDispatchesMatchingWebhooksOnly(t *testing.T) {
	n := NewNotifier()

	matching := make(chan struct{}, 2)
	ignored := make(chan struct{}, 2)

	matchingServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		matching <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer matchingServer.Close()

	ignoredServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ignored <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer ignoredServer.Close()

	n.Register(WebhookConfig{ID: "match", URL: matchingServer.URL, Events: []string{"action.denied"}, Enabled: true})
	n.Register(WebhookConfig{ID: "ignore", URL: ignoredServer.URL, Events: []string{"action.completed"}, Enabled: true})

	n.Notify("action.denied", "a1b2c3d4", "shell", "denied", "summary", nil)

	if !awaitSignal(t, matching, 2*time.Second) {
		t.Fatalf("timed out waiting for matching webhook")
	}
	if awaitSignal(t, ignored, 150*time.Millisecond) {
		t.Fatalf("unexpected ignored webhook call")
	}
}

func TestNotifier_WildcardSubscriptionReceivesAllEvents(t *testing.T) {
	n := NewNotifier()
	hits := make(chan struct{}, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n.Register(WebhookConfig{ID: "all", URL: server.URL, Events: []string{"*"}, Enabled: true})

	n.Notify("action.completed", "a1b2c3d4", "shell", "success", "summary", nil)
	if !awaitSignal(t, hits, 2*time.Second) {
		t.Fatal("timed out waiting for action.completed delivery")
	}
	n.Notify("action.denied", "a1b2c3d4", "shell", "denied", "summary", nil)
	if !awaitSignal(t, hits, 2*time.Second) {
		t.Fatal("timed out waiting for action.denied delivery")
	}
}

func TestNotifier_PublishCarriesActionFields(t *testing.T) {
	n := NewNotifier()
	payloads := make(chan []byte, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		payloads <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n.Register(WebhookConfig{ID: "act", URL: server.URL, Events: []string{"action.completed"}, Enabled: true})

	act, err := action.New("filesystem", "create_directory", map[string]any{"path": "/tmp/x"}, action.ModeExecute, "keith")
	if err != nil {
		t.Fatal(err)
	}
	act.Status = action.StatusSuccess
	n.Publish("action.completed", act)

	var body []byte
	if !awaitSignalValue(t, payloads, &body, 2*time.Second) {
		t.Fatal("timed out waiting for webhook payload")
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ActionID != act.ID {
		t.Fatalf("action_id = %q, want %q", payload.ActionID, act.ID)
	}
	if payload.Skill != "filesystem" || payload.Status != "success" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestNotifier_NotifyHMACSignature(t *testing.T) {
	n := NewNotifier()
	secret := "top-secret"

	payloads := make(chan []byte, 1)
	sig := make(chan string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		payloads <- body
		sig <- r.Header.Get("X-Nova-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n.Register(WebhookConfig{ID: "sec", URL: server.URL, Events: []string{"action.failed"}, Secret: secret, Enabled: true})
	n.Notify("action.failed", "a1b2c3d4", "shell", "failed", "command failed", map[string]int{"exit": 1})

	var body []byte
	if !awaitSignalValue(t, payloads, &body, 2*time.Second) {
		t.Fatal("timed out waiting for webhook payload")
	}
	var gotSig string
	if !awaitSignalValue(t, sig, &gotSig, 2*time.Second) {
		t.Fatal("timed out waiting for signature header")
	}

	target := hmac.New(sha256.New, []byte(secret))
	target.Write(body)
	expectedSig := hex.EncodeToString(target.Sum(nil))
	if gotSig != expectedSig {
		t.Fatalf("signature = %q, want %q", gotSig, expectedSig)
	}
}

func TestNotifier_NotifySkipsDisabledWebhooks(t *testing.T) {
	n := NewNotifier()
	calls := make(chan struct{}, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n.Register(WebhookConfig{ID: "disabled", URL: server.URL, Events: []string{"action.denied"}, Enabled: false})
	n.Notify("action.denied", "a1b2c3d4", "shell", "denied", "summary", nil)

	if awaitSignal(t, calls, 200*time.Millisecond) {
		t.Fatal("disabled webhook should not receive notifications")
	}
}

func TestNotifier_NotifyRetriesOnFailure(t *testing.T) {
	n := NewNotifier()
	hits := make(chan struct{}, 2)
	first := true

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		if first {
			first = false
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n.Register(WebhookConfig{ID: "retry", URL: server.URL, Events: []string{"action.completed"}, Enabled: true})
	n.Notify("action.completed", "a1b2c3d4", "shell", "success", "summary", nil)

	if !awaitSignal(t, hits, 2*time.Second) {
		t.Fatal("timed out waiting for first attempt")
	}
	if !awaitSignal(t, hits, 2*time.Second) {
		t.Fatal("timed out waiting for retry")
	}
}

func TestNotifier_DeliveryHistoryMasksURL(t *testing.T) {
	n := NewNotifier()
	received := make(chan struct{}, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n.Register(WebhookConfig{ID: "hist", URL: server.URL + "/path?token=secret", Events: []string{"action.completed"}, Enabled: true})
	n.Notify("action.completed", "a1b2c3d4", "shell", "success", "summary", nil)

	if !awaitSignal(t, received, 2*time.Second) {
		t.Fatal("timed out waiting for delivery")
	}
	waitForDeliveries(t, n, 1, 2*time.Second)

	rec := n.Deliveries(1)[0]
	if rec.EventType != "action.completed" {
		t.Fatalf("event_type = %q", rec.EventType)
	}
	if !strings.HasSuffix(rec.TargetURL, "/***") || strings.Contains(rec.TargetURL, "token") {
		t.Fatalf("target_url not masked: %q", rec.TargetURL)
	}
	if rec.StatusCode != http.StatusAccepted {
		t.Fatalf("status_code = %d, want %d", rec.StatusCode, http.StatusAccepted)
	}
	if rec.DurationMS < 0 {
		t.Fatalf("duration_ms = %d", rec.DurationMS)
	}
}

func TestNotifier_HTTPHandlers_CRUD(t *testing.T) {
	n := NewNotifier()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/webhooks", n.ListWebhooks)
	mux.HandleFunc("POST /api/v1/webhooks", n.RegisterWebhook)
	mux.HandleFunc("GET /api/v1/webhooks/{id}", n.GetWebhook)
	mux.HandleFunc("DELETE /api/v1/webhooks/{id}", n.DeleteWebhook)

	payload := `{"id":"my-webhook","url":"https://example.test/hook","events":["action.denied"],"enabled":true}`
	regReq := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", strings.NewReader(payload))
	regReq.Header.Set("Content-Type", "application/json")
	regResp := httptest.NewRecorder()
	mux.ServeHTTP(regResp, regReq)
	if regResp.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want %d", regResp.Code, http.StatusCreated)
	}

	var created WebhookConfig
	if err := json.NewDecoder(regResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created webhook: %v", err)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil)
	listResp := httptest.NewRecorder()
	mux.ServeHTTP(listResp, listReq)
	if listResp.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", listResp.Code, http.StatusOK)
	}
	var listed []WebhookConfig
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("list count = %d, want 1", len(listed))
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/"+created.ID, nil)
	getResp := httptest.NewRecorder()
	mux.ServeHTTP(getResp, getReq)
	if getResp.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", getResp.Code, http.StatusOK)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/v1/webhooks/"+created.ID, nil)
	delResp := httptest.NewRecorder()
	mux.ServeHTTP(delResp, delReq)
	if delResp.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", delResp.Code, http.StatusNoContent)
	}
}

func TestNotifier_HTTPHandlers_TestEndpoint(t *testing.T) {
	n := NewNotifier()
	received := make(chan struct{}, 1)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/webhooks/{id}/test", n.TestWebhook)

	n.Register(WebhookConfig{ID: "test-id", URL: target.URL, Events: []string{"action.denied"}, Enabled: true})

	testReq := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/test-id/test", nil)
	testResp := httptest.NewRecorder()
	mux.ServeHTTP(testResp, testReq)
	if testResp.Code != http.StatusOK {
		t.Fatalf("test status = %d, want %d", testResp.Code, http.StatusOK)
	}
	if !awaitSignal(t, received, 2*time.Second) {
		t.Fatal("timed out waiting for test request")
	}
}

func awaitSignal(t *testing.T, ch <-chan struct{}, timeout time.Duration) bool {
	t.Helper()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func awaitSignalValue[T any](t *testing.T, ch <-chan T, out *T, timeout time.Duration) bool {
	t.Helper()
	select {
	case v := <-ch:
		*out = v
		return true
	case <-time.After(timeout):
		return false
	}
}

func waitForDeliveries(t *testing.T, n *Notifier, want int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(n.Deliveries(want)) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %d delivery records", want)
}
