package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nova-ops/nova/internal/audit"
	"github.com/nova-ops/nova/internal/queue"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	})
}

// handleSubmit handles POST /api/v1/actions.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req queue.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	res := s.coord.Submit(r.Context(), req)
	if !res.Success {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleGetAction handles GET /api/v1/actions/{id}.
func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	act, err := s.coord.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("action not found: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, act)
}

// handleApprove handles POST /api/v1/actions/{id}/approve.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional for approvals.
	_ = json.NewDecoder(r.Body).Decode(&body)

	act, err := s.coord.Approve(r.Context(), id, body.Reason)
	if err != nil {
		s.writeDecisionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

// handleDeny handles POST /api/v1/actions/{id}/deny.
func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	act, err := s.coord.Deny(r.Context(), id, body.Reason)
	if err != nil {
		if body.Reason == "" {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeDecisionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

// handleProcessOne handles POST /api/v1/actions/{id}/process.
func (s *Server) handleProcessOne(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	act, err := s.coord.ProcessOne(r.Context(), id)
	if err != nil {
		s.writeDecisionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

// handleProcessAll handles POST /api/v1/queue/process.
func (s *Server) handleProcessAll(w http.ResponseWriter, r *http.Request) {
	n := s.coord.ProcessAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

// handleQueueStatus handles GET /api/v1/queue.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.GetQueueStatus())
}

// handleHistory handles GET /api/v1/history?from=...&to=... (RFC 3339).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var from, to time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = t
	}

	history := s.coord.GetActionHistory(from, to)
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": history,
		"count":   len(history),
	})
}

// handleAuditQuery handles GET /api/v1/audit.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}

	f, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.auditor.QueryPersisted(f)
	if err != nil {
		s.logger.Error("audit query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleAuditExportJSONL handles GET /api/v1/audit/export.
func (s *Server) handleAuditExportJSONL(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}

	f, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.jsonl"`)
	if err := s.auditor.StreamJSONL(r.Context(), w, f); err != nil {
		s.logger.Warn("audit export interrupted", zap.Error(err))
	}
}

// handleAuditPurge handles DELETE /api/v1/audit/purge?older_than=720h.
func (s *Server) handleAuditPurge(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}

	raw := r.URL.Query().Get("older_than")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "older_than is required")
		return
	}
	olderThan, err := time.ParseDuration(raw)
	if err != nil || olderThan < 0 {
		writeError(w, http.StatusBadRequest, "invalid older_than duration")
		return
	}

	deleted, err := s.auditor.Purge(olderThan)
	if err != nil {
		s.logger.Error("audit purge failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "audit purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// handleMetrics handles GET /metrics. Prometheus text by default,
// ?format=json for the structured snapshot.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.registry.RotateIfDue()

	if r.URL.Query().Get("format") == "json" {
		data, err := s.registry.JSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "metrics snapshot failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(s.registry.PrometheusText()))
}

func (s *Server) writeDecisionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("action not found: %s", id))
	case errors.Is(err, queue.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		ActionID: q.Get("action_id"),
		Skill:    q.Get("skill"),
		Type:     audit.EventType(q.Get("type")),
		Cursor:   q.Get("cursor"),
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid since timestamp")
		}
		f.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid until timestamp")
		}
		f.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit")
		}
		f.Limit = n
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
