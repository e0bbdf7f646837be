package api

import "net/http"

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Actions
	mux.HandleFunc("POST /api/v1/actions", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/actions/{id}", s.handleGetAction)
	mux.HandleFunc("POST /api/v1/actions/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/actions/{id}/deny", s.handleDeny)
	mux.HandleFunc("POST /api/v1/actions/{id}/process", s.handleProcessOne)

	// Queue
	mux.HandleFunc("GET /api/v1/queue", s.handleQueueStatus)
	mux.HandleFunc("POST /api/v1/queue/process", s.handleProcessAll)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)

	// Audit
	mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /api/v1/audit/export", s.handleAuditExportJSONL)
	mux.HandleFunc("DELETE /api/v1/audit/purge", s.handleAuditPurge)

	// Webhooks
	mux.HandleFunc("GET /api/v1/webhooks", s.notifier.ListWebhooks)
	mux.HandleFunc("POST /api/v1/webhooks", s.notifier.RegisterWebhook)
	mux.HandleFunc("GET /api/v1/webhooks/deliveries", s.notifier.ListDeliveries)
	mux.HandleFunc("GET /api/v1/webhooks/{id}", s.notifier.GetWebhook)
	mux.HandleFunc("DELETE /api/v1/webhooks/{id}", s.notifier.DeleteWebhook)
	mux.HandleFunc("POST /api/v1/webhooks/{id}/test", s.notifier.TestWebhook)

	// Metrics: domain metrics on /metrics, process metrics on /metrics/runtime
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.Handle("GET /metrics/runtime", s.runtimeMetricsHandler())
}
