package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/agentworkforce/relayshare/internal/scheduler"
)

func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request, parts []string, correlationID string) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduler disabled", correlationID)
		return
	}
	switch {
	case len(parts) == 2 && parts[0] == "webhooks" && r.Method == http.MethodPost:
		// the trigger id is the credential of a webhook
		if !s.allow(w, "webhook:"+parts[1], correlationID) {
			return
		}
		s.handleWebhook(w, r, parts[1], correlationID)
	case len(parts) == 1 && parts[0] == "triggers":
		if _, ok := s.user(w, r, ScopeJobs, correlationID); !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"triggers": s.scheduler.ListTriggers()})
		case http.MethodPost:
			var t scheduler.Trigger
			if !s.decodeJSONBody(w, r, correlationID, &t) {
				return
			}
			created, err := s.scheduler.AddTrigger(t)
			if err != nil {
				writeStoreError(w, err, correlationID)
				return
			}
			writeJSON(w, http.StatusCreated, created)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		}
	case len(parts) == 2 && parts[0] == "triggers":
		if _, ok := s.user(w, r, ScopeJobs, correlationID); !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			t, err := s.scheduler.GetTrigger(parts[1])
			if err != nil {
				writeStoreError(w, err, correlationID)
				return
			}
			writeJSON(w, http.StatusOK, t)
		case http.MethodDelete:
			if err := s.scheduler.DeleteTrigger(parts[1]); err != nil {
				writeStoreError(w, err, correlationID)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		}
	case len(parts) == 3 && parts[0] == "triggers" && parts[2] == "launch" && r.Method == http.MethodPost:
		if _, ok := s.user(w, r, ScopeJobs, correlationID); !ok {
			return
		}
		if err := s.scheduler.FireTrigger(parts[1]); err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "webhook payload must be json", correlationID)
		return
	}
	if err := s.scheduler.Webhook(id, json.RawMessage(body)); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
